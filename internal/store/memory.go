package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Backend. It is the substitutable fake used by
// tests and the backend for sessions that need no durability.
//
// Update holds the write lock for the whole transaction and stages writes in
// an overlay that is applied only on commit, so View callers (which take the
// read lock) see either the pre- or the post-transaction state.
type Memory struct {
	mu       sync.RWMutex
	data     map[string]map[string][]byte
	opts     options
	closed   bool
	failures []error
}

var _ Backend = (*Memory)(nil)

// NewMemory creates an empty in-memory backend.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		data: make(map[string]map[string][]byte),
		opts: buildOptions(opts),
	}
}

// InjectFailures queues errors returned by the next Update calls, one per
// call, before the transaction body runs. Used to simulate conflicts and
// backend faults in tests.
func (m *Memory) InjectFailures(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Close marks the backend closed. Later calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Capacity returns the configured byte capacity.
func (m *Memory) Capacity() int64 {
	return m.opts.capacity
}

// View runs fn against the committed state.
func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return fn(&memTx{base: m.data, opts: &m.opts})
}

// Update runs fn against a staged overlay and applies it atomically.
func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}

	tx := &memTx{
		base:     m.data,
		staged:   make(map[string]map[string][]byte),
		opts:     &m.opts,
		writable: true,
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	before := m.size()
	after := before + tx.delta()
	if err := m.opts.checkCapacity(before, after); err != nil {
		return err
	}

	for collection, writes := range tx.staged {
		coll := m.data[collection]
		if coll == nil {
			coll = make(map[string][]byte)
			m.data[collection] = coll
		}
		for key, value := range writes {
			if value == nil {
				delete(coll, key)
				continue
			}
			coll[key] = value
		}
		if len(coll) == 0 {
			delete(m.data, collection)
		}
	}
	return nil
}

// Entries lists every record with its size.
func (m *Memory) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	entries := []Entry{}
	for collection, coll := range m.data {
		for key, value := range coll {
			entries = append(entries, Entry{Collection: collection, Key: key, Size: int64(len(value))})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Collection != entries[j].Collection {
			return entries[i].Collection < entries[j].Collection
		}
		return entries[i].Key < entries[j].Key
	})
	return entries, nil
}

// size must be called with mu held.
func (m *Memory) size() int64 {
	var total int64
	for _, coll := range m.data {
		for _, v := range coll {
			total += int64(len(v))
		}
	}
	return total
}

// memTx reads through staged writes to the committed base. A nil value in
// staged marks a deletion.
type memTx struct {
	base     map[string]map[string][]byte
	staged   map[string]map[string][]byte
	opts     *options
	writable bool
}

func (t *memTx) lookup(collection, key string) ([]byte, bool) {
	if writes, ok := t.staged[collection]; ok {
		if v, ok := writes[key]; ok {
			return v, v != nil
		}
	}
	v, ok := t.base[collection][key]
	return v, ok
}

func (t *memTx) Get(collection, key string) ([]byte, error) {
	v, ok := t.lookup(collection, key)
	if !ok {
		return nil, notFound("get", collection, key)
	}
	return bytes.Clone(v), nil
}

func (t *memTx) Put(collection, key string, value []byte) error {
	if !t.writable {
		return ErrReadOnly
	}
	if err := t.opts.checkValueSize(collection, key, len(value)); err != nil {
		return err
	}
	t.stage(collection, key, append([]byte{}, value...))
	return nil
}

func (t *memTx) Delete(collection, key string) error {
	if !t.writable {
		return ErrReadOnly
	}
	t.stage(collection, key, nil)
	return nil
}

func (t *memTx) stage(collection, key string, value []byte) {
	writes := t.staged[collection]
	if writes == nil {
		writes = make(map[string][]byte)
		t.staged[collection] = writes
	}
	writes[key] = value
}

func (t *memTx) Keys(collection string) ([]string, error) {
	seen := make(map[string]bool)
	for k := range t.base[collection] {
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

// delta returns the size change the staged writes would apply.
func (t *memTx) delta() int64 {
	var d int64
	for collection, writes := range t.staged {
		for key, value := range writes {
			if old, ok := t.base[collection][key]; ok {
				d -= int64(len(old))
			}
			if value != nil {
				d += int64(len(value))
			}
		}
	}
	return d
}
