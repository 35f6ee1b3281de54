package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Redis is a Backend stored in a Redis server, one hash per collection under
// a key prefix.
//
// Update uses optimistic locking: every commit increments a per-prefix
// version key that each transaction WATCHes, so a concurrent commit makes the
// later one fail with ErrConflict instead of interleaving. Record sizes are
// mirrored in a sizes hash for capacity accounting and Entries.
//
// View reads each record together with the version in one MULTI/EXEC. When
// two reads of the same View see different versions a commit landed between
// them, and fn is run again from the start.
type Redis struct {
	client *redis.Client
	prefix string
	opts   options
}

var _ Backend = (*Redis)(nil)

// OpenRedis wraps client as a Backend under prefix. The Backend owns the
// client and closes it on Close.
func OpenRedis(ctx context.Context, client *redis.Client, prefix string, opts ...Option) (*Redis, error) {
	if prefix == "" {
		prefix = "storyline"
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Redis{client: client, prefix: prefix, opts: buildOptions(opts)}, nil
}

func (r *Redis) collectionKey(collection string) string {
	return r.prefix + ":c:" + collection
}

func (r *Redis) sizesKey() string {
	return r.prefix + ":sizes"
}

func (r *Redis) versionKey() string {
	return r.prefix + ":version"
}

func sizeField(collection, key string) string {
	return collection + "\x00" + key
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Capacity returns the configured byte capacity.
func (r *Redis) Capacity() int64 {
	return r.opts.capacity
}

// viewAttempts bounds how often View re-runs fn after a concurrent commit.
const viewAttempts = 32

// errVersionMoved aborts a View whose reads span more than one commit.
var errVersionMoved = errors.New("concurrent commit during read")

// View runs fn against a single committed version. fn may be run more than
// once.
func (r *Redis) View(ctx context.Context, fn func(Tx) error) error {
	for attempt := 0; attempt < viewAttempts; attempt++ {
		tx := &redisTx{ctx: ctx, r: r}
		err := fn(tx)
		if !tx.moved {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.opts.logger.Debug("redis view retried", "attempt", attempt+1)
	}
	return &Error{Code: CodeConflict, Op: "view", Err: errVersionMoved}
}

// readVersion reads the commit counter; 0 before the first commit.
func readVersion(cmd *redis.StringCmd) (int64, error) {
	v, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// Update runs fn under WATCH and commits the staged writes in MULTI/EXEC.
func (r *Redis) Update(ctx context.Context, fn func(Tx) error) error {
	err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &redisTx{
			ctx:      ctx,
			r:        r,
			reader:   rtx,
			staged:   make(map[string]map[string][]byte),
			writable: true,
		}
		if err := fn(tx); err != nil {
			return err
		}

		if r.opts.capacity > 0 {
			if err := r.checkCapacity(ctx, rtx, tx); err != nil {
				return err
			}
		}

		_, err := rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for collection, writes := range tx.staged {
				for key, value := range writes {
					field := sizeField(collection, key)
					if value == nil {
						p.HDel(ctx, r.collectionKey(collection), key)
						p.HDel(ctx, r.sizesKey(), field)
						continue
					}
					p.HSet(ctx, r.collectionKey(collection), key, value)
					p.HSet(ctx, r.sizesKey(), field, len(value))
				}
			}
			p.Incr(ctx, r.versionKey())
			return nil
		})
		return err
	}, r.versionKey())

	if errors.Is(err, redis.TxFailedErr) {
		return &Error{Code: CodeConflict, Op: "commit", Err: err}
	}
	return err
}

func (r *Redis) checkCapacity(ctx context.Context, rtx *redis.Tx, tx *redisTx) error {
	vals, err := rtx.HVals(ctx, r.sizesKey()).Result()
	if err != nil {
		return fmt.Errorf("measure size: %w", err)
	}
	var before int64
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("measure size: %w", err)
		}
		before += n
	}

	after := before
	for collection, writes := range tx.staged {
		for key, value := range writes {
			old, err := rtx.HGet(ctx, r.sizesKey(), sizeField(collection, key)).Int64()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("measure size: %w", err)
			}
			after -= old
			if value != nil {
				after += int64(len(value))
			}
		}
	}
	return r.opts.checkCapacity(before, after)
}

// Entries lists every record with its size.
func (r *Redis) Entries(ctx context.Context) ([]Entry, error) {
	sizes, err := r.client.HGetAll(ctx, r.sizesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]Entry, 0, len(sizes))
	for field, v := range sizes {
		collection, key, ok := strings.Cut(field, "\x00")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("list entries: %s: %w", field, err)
		}
		entries = append(entries, Entry{Collection: collection, Key: key, Size: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Collection != entries[j].Collection {
			return entries[i].Collection < entries[j].Collection
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// hashReader is the read surface shared by *redis.Client and *redis.Tx.
type hashReader interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
}

// redisTx serves reads from the WATCHed connection inside Update, and from
// version-pinned MULTI/EXEC blocks inside View.
type redisTx struct {
	ctx      context.Context
	r        *Redis
	reader   hashReader
	staged   map[string]map[string][]byte
	writable bool

	pinned  bool
	version int64
	moved   bool
}

// pin queues a read after the version GET in one MULTI/EXEC and checks that
// every read of the transaction saw the same version.
func (t *redisTx) pin(read func(p redis.Pipeliner)) error {
	if t.moved {
		return errVersionMoved
	}
	var ver *redis.StringCmd
	_, err := t.r.client.TxPipelined(t.ctx, func(p redis.Pipeliner) error {
		ver = p.Get(t.ctx, t.r.versionKey())
		read(p)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	v, err := readVersion(ver)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if !t.pinned {
		t.pinned, t.version = true, v
		return nil
	}
	if v != t.version {
		t.moved = true
		return errVersionMoved
	}
	return nil
}

func (t *redisTx) hget(collection, key string) ([]byte, error) {
	if t.writable {
		return t.reader.HGet(t.ctx, t.r.collectionKey(collection), key).Bytes()
	}
	var cmd *redis.StringCmd
	if err := t.pin(func(p redis.Pipeliner) {
		cmd = p.HGet(t.ctx, t.r.collectionKey(collection), key)
	}); err != nil {
		return nil, err
	}
	return cmd.Bytes()
}

func (t *redisTx) hkeys(collection string) ([]string, error) {
	if t.writable {
		return t.reader.HKeys(t.ctx, t.r.collectionKey(collection)).Result()
	}
	var cmd *redis.StringSliceCmd
	if err := t.pin(func(p redis.Pipeliner) {
		cmd = p.HKeys(t.ctx, t.r.collectionKey(collection))
	}); err != nil {
		return nil, err
	}
	return cmd.Result()
}

func (t *redisTx) Get(collection, key string) ([]byte, error) {
	if writes, ok := t.staged[collection]; ok {
		if v, ok := writes[key]; ok {
			if v == nil {
				return nil, notFound("get", collection, key)
			}
			return append([]byte{}, v...), nil
		}
	}
	v, err := t.hget(collection, key)
	if errors.Is(err, errVersionMoved) {
		return nil, err
	}
	if errors.Is(err, redis.Nil) {
		return nil, notFound("get", collection, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return v, nil
}

func (t *redisTx) Put(collection, key string, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if err := t.r.opts.checkValueSize(collection, key, len(value)); err != nil {
		return err
	}
	t.stage(collection, key, append([]byte{}, value...))
	return nil
}

func (t *redisTx) Delete(collection, key string) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.stage(collection, key, nil)
	return nil
}

func (t *redisTx) stage(collection, key string, value []byte) {
	writes := t.staged[collection]
	if writes == nil {
		writes = make(map[string][]byte)
		t.staged[collection] = writes
	}
	writes[key] = value
}

func (t *redisTx) Keys(collection string) ([]string, error) {
	stored, err := t.hkeys(collection)
	if errors.Is(err, errVersionMoved) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("keys: %w", err)
	}
	seen := make(map[string]bool, len(stored))
	for _, k := range stored {
		seen[k] = true
	}
	for k, v := range t.staged[collection] {
		seen[k] = v != nil
	}
	keys := []string{}
	for k, live := range seen {
		if live {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
