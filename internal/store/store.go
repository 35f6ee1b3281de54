package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Imported the legacy single-slot kv table into entries
const currentSchemaVersion = 1

// SQLite is a Backend stored in a single SQLite database file.
// Uses WAL mode and a single connection, so Update transactions are
// serialized and View never observes a partial commit.
type SQLite struct {
	db   *sql.DB
	opts options
}

var _ Backend = (*SQLite)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, opts: buildOptions(opts)}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Capacity returns the configured byte capacity.
func (s *SQLite) Capacity() int64 {
	return s.opts.capacity
}

// View runs fn in a read-only transaction.
func (s *SQLite) View(ctx context.Context, fn func(Tx) error) error {
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin view", err)
	}
	defer tx.Rollback()

	return fn(&sqliteTx{ctx: ctx, tx: tx, opts: &s.opts})
}

// Update runs fn in a read-write transaction and commits it when fn succeeds
// and the result fits within capacity.
func (s *SQLite) Update(ctx context.Context, fn func(Tx) error) error {
	if s.db == nil {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin update", err)
	}
	defer tx.Rollback() // No-op if committed

	var before int64
	if s.opts.capacity > 0 {
		if before, err = totalSize(ctx, tx); err != nil {
			return err
		}
	}

	if err := fn(&sqliteTx{ctx: ctx, tx: tx, opts: &s.opts, writable: true}); err != nil {
		return err
	}

	if s.opts.capacity > 0 {
		after, err := totalSize(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.opts.checkCapacity(before, after); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// Entries lists every record with its size.
func (s *SQLite) Entries(ctx context.Context) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, key, length(value)
		FROM entries
		ORDER BY collection COLLATE BINARY ASC, key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, classify("list entries", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Collection, &e.Key, &e.Size); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// sqliteTx implements Tx over a database/sql transaction.
type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	opts     *options
	writable bool
}

func (t *sqliteTx) Get(collection, key string) ([]byte, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT value FROM entries WHERE collection = ? AND key = ?
	`, collection, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("get", collection, key)
	}
	if err != nil {
		return nil, classify("get", err)
	}
	return value, nil
}

func (t *sqliteTx) Put(collection, key string, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if err := t.opts.checkValueSize(collection, key, len(value)); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO entries (collection, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value
	`, collection, key, value)
	if err != nil {
		return classify("put", err)
	}
	return nil
}

func (t *sqliteTx) Delete(collection, key string) error {
	if !t.writable {
		return ErrReadOnly
	}
	_, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM entries WHERE collection = ? AND key = ?
	`, collection, key)
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

func (t *sqliteTx) Keys(collection string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT key FROM entries
		WHERE collection = ?
		ORDER BY key COLLATE BINARY ASC
	`, collection)
	if err != nil {
		return nil, classify("keys", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func totalSize(ctx context.Context, tx *sql.Tx) (int64, error) {
	var total int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(length(value)), 0) FROM entries
	`).Scan(&total); err != nil {
		return 0, classify("measure size", err)
	}
	return total, nil
}

// classify maps SQLite result codes onto the store error taxonomy.
// SQLITE_FULL is a quota failure; SQLITE_BUSY and SQLITE_LOCKED mean another
// writer holds the database and the transaction could not commit atomically.
func classify(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrFull:
			return &Error{Code: CodeQuotaExceeded, Op: op, Err: err}
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return &Error{Code: CodeConflict, Op: op, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 moves records of the legacy single-slot layout, where the whole
// serialized session lived in a kv table, into the slots collection. The
// ledger can then restore from the slot through the save codec.
func migrateToV1(db *sql.DB) error {
	var name string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'kv'
	`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migrate to v1: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO entries (collection, key, value)
		SELECT 'slots', key, CAST(value AS BLOB) FROM kv
	`); err != nil {
		return fmt.Errorf("migrate to v1: copy kv: %w", err)
	}
	if _, err := tx.Exec(`DROP TABLE kv`); err != nil {
		return fmt.Errorf("migrate to v1: drop kv: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate to v1: commit: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
