package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Conformance(t *testing.T) {
	runBackendConformance(t, func(t *testing.T, opts ...Option) Backend {
		return NewMemory(opts...)
	})
}

func TestMemory_InjectFailures(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	conflict := &Error{Code: CodeConflict, Op: "commit"}
	m.InjectFailures(conflict)

	ran := false
	err := m.Update(ctx, func(tx Tx) error {
		ran = true
		return tx.Put("steps", "0", []byte("a"))
	})
	assert.True(t, IsConflict(err))
	assert.False(t, ran, "injected failure fires before the body")

	// Next call proceeds normally.
	require.NoError(t, Set(ctx, m, "steps", "0", []byte("a")))
}

func TestMemory_Closed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())

	assert.ErrorIs(t, Set(context.Background(), m, "steps", "0", []byte("a")), ErrClosed)
	_, err := Get(context.Background(), m, "steps", "0")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemory_CancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Set(ctx, m, "steps", "0", []byte("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemory_ValuesAreCopied(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, Set(ctx, m, "blobs", "x", buf))
	buf[0] = 'z'

	v, err := Get(ctx, m, "blobs", "x")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(v))

	v[1] = 'z'
	again, err := Get(ctx, m, "blobs", "x")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}
