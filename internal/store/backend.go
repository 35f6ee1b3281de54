package store

import (
	"context"
	"fmt"
	"log/slog"
)

// Collection names used by the session store. Any other collection is
// unrelated to the active session and may be evicted under quota pressure.
const (
	CollectionSteps   = "steps"
	CollectionSession = "session"
	CollectionBlobs   = "blobs"
	CollectionSlots   = "slots"
)

// SlotSession is the key of the single-unit session snapshot inside
// CollectionSlots.
const SlotSession = "session"

// SessionCollections lists the collections that hold active-session data.
// CollectionSlots is not one of them: the snapshot it holds is derived from
// these and is rewritten by the next autosave.
var SessionCollections = []string{
	CollectionSteps,
	CollectionSession,
	CollectionBlobs,
}

// Backend is durable key/record storage with atomic multi-record transactions.
//
// Update runs fn inside a read-write transaction. Every Put and Delete issued
// through the Tx commits together or not at all. When fn returns an error, or
// the commit would exceed the backend's capacity, nothing is applied.
//
// View runs fn inside a read-only transaction. Readers never observe a
// partially committed Update: they see the state before or after it.
// Backends with optimistic reads may run fn again after a concurrent
// commit, so fn must reset whatever it collects.
type Backend interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error

	// Entries lists every stored record with its size in bytes,
	// ordered by collection then key.
	Entries(ctx context.Context) ([]Entry, error)

	// Capacity returns the configured byte capacity, 0 when unlimited.
	Capacity() int64

	Close() error
}

// Tx is the record-level view of a transaction.
type Tx interface {
	// Get returns the value stored under key, or an error matching
	// ErrNotFound.
	Get(collection, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(collection, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(collection, key string) error

	// Keys returns every key of collection in ascending byte order.
	Keys(collection string) ([]string, error)
}

// Entry describes one stored record.
type Entry struct {
	Collection string
	Key        string
	Size       int64
}

// TotalSize sums the sizes of entries.
func TotalSize(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// Get reads a single value in its own read transaction.
func Get(ctx context.Context, b Backend, collection, key string) ([]byte, error) {
	var out []byte
	err := b.View(ctx, func(tx Tx) error {
		v, err := tx.Get(collection, key)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Set writes a single value in its own transaction.
func Set(ctx context.Context, b Backend, collection, key string, value []byte) error {
	return b.Update(ctx, func(tx Tx) error {
		return tx.Put(collection, key, value)
	})
}

// Remove deletes a single value in its own transaction.
func Remove(ctx context.Context, b Backend, collection, key string) error {
	return b.Update(ctx, func(tx Tx) error {
		return tx.Delete(collection, key)
	})
}

// DeleteCollection removes every key of collection inside tx.
func DeleteCollection(tx Tx, collection string) error {
	keys, err := tx.Keys(collection)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := tx.Delete(collection, k); err != nil {
			return err
		}
	}
	return nil
}

// Option configures a Backend implementation.
type Option func(*options)

type options struct {
	capacity     int64
	maxValueSize int64
	logger       *slog.Logger
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithCapacity limits the total size of stored values. Commits that would
// grow the store beyond capacity fail with ErrQuotaExceeded.
//
// Default: 0 (unlimited)
func WithCapacity(bytes int64) Option {
	return func(o *options) {
		o.capacity = bytes
	}
}

// WithMaxValueSize rejects any single value larger than bytes with
// ErrQuotaExceeded.
//
// Default: 0 (unlimited)
func WithMaxValueSize(bytes int64) Option {
	return func(o *options) {
		o.maxValueSize = bytes
	}
}

// WithLogger sets the logger used for backend diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// checkValueSize enforces the per-value limit on a Put.
func (o *options) checkValueSize(collection, key string, size int) error {
	if o.maxValueSize > 0 && int64(size) > o.maxValueSize {
		return &Error{
			Code:       CodeQuotaExceeded,
			Op:         "put",
			Collection: collection,
			Key:        key,
			Err:        fmt.Errorf("value of %d bytes exceeds limit of %d", size, o.maxValueSize),
		}
	}
	return nil
}

// checkCapacity enforces the total-size limit at commit. Commits that shrink
// the store always pass, even when it is already over capacity.
func (o *options) checkCapacity(before, after int64) error {
	if o.capacity > 0 && after > o.capacity && after > before {
		return &Error{
			Code: CodeQuotaExceeded,
			Op:   "commit",
			Err:  fmt.Errorf("store would hold %d bytes, capacity is %d", after, o.capacity),
		}
	}
	return nil
}
