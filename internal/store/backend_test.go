package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendFactory builds a fresh backend with the given options.
type backendFactory func(t *testing.T, opts ...Option) Backend

// runBackendConformance exercises the Backend contract. Every implementation
// runs the same suite.
func runBackendConformance(t *testing.T, newBackend backendFactory) {
	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := Get(context.Background(), b, "steps", "00000000")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		var se *Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, CodeNotFound, se.Code)
	})

	t.Run("SetGetRemove", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, Set(ctx, b, "session", "pointer", []byte(`{"currentIndex":0}`)))
		v, err := Get(ctx, b, "session", "pointer")
		require.NoError(t, err)
		assert.Equal(t, `{"currentIndex":0}`, string(v))

		require.NoError(t, Set(ctx, b, "session", "pointer", []byte(`{"currentIndex":1}`)))
		v, err = Get(ctx, b, "session", "pointer")
		require.NoError(t, err)
		assert.Equal(t, `{"currentIndex":1}`, string(v))

		require.NoError(t, Remove(ctx, b, "session", "pointer"))
		_, err = Get(ctx, b, "session", "pointer")
		assert.True(t, IsNotFound(err))

		// Removing again is a no-op.
		require.NoError(t, Remove(ctx, b, "session", "pointer"))
	})

	t.Run("KeysOrdered", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		err := b.Update(ctx, func(tx Tx) error {
			for _, k := range []string{"00000002", "00000000", "00000001"} {
				if err := tx.Put("steps", k, []byte(k)); err != nil {
					return err
				}
			}
			return tx.Put("blobs", "x", []byte("img"))
		})
		require.NoError(t, err)

		err = b.View(ctx, func(tx Tx) error {
			keys, err := tx.Keys("steps")
			require.NoError(t, err)
			assert.Equal(t, []string{"00000000", "00000001", "00000002"}, keys)

			empty, err := tx.Keys("nothing")
			require.NoError(t, err)
			assert.Empty(t, empty)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("ReadYourWritesInsideUpdate", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, Set(ctx, b, "steps", "00000000", []byte("a")))

		err := b.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.Put("steps", "00000001", []byte("b")))
			require.NoError(t, tx.Delete("steps", "00000000"))

			keys, err := tx.Keys("steps")
			require.NoError(t, err)
			assert.Equal(t, []string{"00000001"}, keys)

			_, err = tx.Get("steps", "00000000")
			assert.True(t, IsNotFound(err))

			v, err := tx.Get("steps", "00000001")
			require.NoError(t, err)
			assert.Equal(t, "b", string(v))
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("FailedUpdateAppliesNothing", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, Set(ctx, b, "steps", "00000000", []byte("a")))

		boom := errors.New("boom")
		err := b.Update(ctx, func(tx Tx) error {
			require.NoError(t, tx.Put("steps", "00000001", []byte("b")))
			require.NoError(t, tx.Delete("steps", "00000000"))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		entries, err := b.Entries(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Entry{{Collection: "steps", Key: "00000000", Size: 1}}, entries)
	})

	t.Run("ViewIsReadOnly", func(t *testing.T) {
		b := newBackend(t)
		err := b.View(context.Background(), func(tx Tx) error {
			return tx.Put("steps", "00000000", []byte("a"))
		})
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("CapacityRejectsGrowth", func(t *testing.T) {
		b := newBackend(t, WithCapacity(10))
		ctx := context.Background()
		require.NoError(t, Set(ctx, b, "steps", "a", []byte("12345678")))

		err := Set(ctx, b, "steps", "b", []byte("123"))
		require.Error(t, err)
		assert.True(t, IsQuotaError(err))

		_, err = Get(ctx, b, "steps", "b")
		assert.True(t, IsNotFound(err), "rejected write must not be visible")

		// Replacing with a smaller value and deleting always succeed.
		require.NoError(t, Set(ctx, b, "steps", "a", []byte("12")))
		require.NoError(t, Set(ctx, b, "steps", "b", []byte("123")))
		assert.Equal(t, int64(10), b.Capacity())
	})

	t.Run("MaxValueSize", func(t *testing.T) {
		b := newBackend(t, WithMaxValueSize(4))
		err := Set(context.Background(), b, "blobs", "big", []byte("12345"))
		require.Error(t, err)
		assert.True(t, IsQuotaError(err))
	})

	t.Run("EntriesSorted", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, Set(ctx, b, "steps", "00000000", []byte("abc")))
		require.NoError(t, Set(ctx, b, "blobs", "id-1", []byte("12345")))
		require.NoError(t, Set(ctx, b, "notebook", "words", []byte("x")))

		entries, err := b.Entries(ctx)
		require.NoError(t, err)
		assert.Equal(t, []Entry{
			{Collection: "blobs", Key: "id-1", Size: 5},
			{Collection: "notebook", Key: "words", Size: 1},
			{Collection: "steps", Key: "00000000", Size: 3},
		}, entries)
		assert.Equal(t, int64(9), TotalSize(entries))
	})

	t.Run("ConcurrentReadersSeeWholeCommits", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, b.Update(ctx, func(tx Tx) error {
			if err := tx.Put("steps", "a", []byte("0")); err != nil {
				return err
			}
			return tx.Put("steps", "b", []byte("0"))
		}))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= 20; i++ {
				v := []byte{byte('0' + i%10)}
				_ = b.Update(ctx, func(tx Tx) error {
					if err := tx.Put("steps", "a", v); err != nil {
						return err
					}
					return tx.Put("steps", "b", v)
				})
			}
		}()

		for i := 0; i < 20; i++ {
			err := b.View(ctx, func(tx Tx) error {
				a, err := tx.Get("steps", "a")
				if err != nil {
					return err
				}
				bv, err := tx.Get("steps", "b")
				if err != nil {
					return err
				}
				assert.Equal(t, string(a), string(bv), "reader observed a partial commit")
				return nil
			})
			require.NoError(t, err)
		}
		wg.Wait()
	})
}

func TestDeleteCollection(t *testing.T) {
	b := NewMemory()
	ctx := context.Background()
	require.NoError(t, Set(ctx, b, "steps", "0", []byte("a")))
	require.NoError(t, Set(ctx, b, "steps", "1", []byte("b")))
	require.NoError(t, Set(ctx, b, "blobs", "x", []byte("c")))

	require.NoError(t, b.Update(ctx, func(tx Tx) error {
		return DeleteCollection(tx, "steps")
	}))

	entries, err := b.Entries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Collection: "blobs", Key: "x", Size: 1}}, entries)
}

func TestError_Messages(t *testing.T) {
	err := &Error{Code: CodeNotFound, Op: "get", Collection: "blobs", Key: "id-1"}
	assert.Equal(t, "get: NOT_FOUND (blobs/id-1)", err.Error())

	wrapped := &Error{Code: CodeQuotaExceeded, Op: "commit", Err: errors.New("full")}
	assert.Equal(t, "commit: QUOTA_EXCEEDED: full", wrapped.Error())
}

func TestError_Matching(t *testing.T) {
	conflict := &Error{Code: CodeConflict, Op: "commit"}
	assert.True(t, IsConflict(conflict))
	assert.False(t, IsQuotaError(conflict))
	assert.False(t, IsNotFound(conflict))

	wrapped := errors.Join(errors.New("context"), &Error{Code: CodeQuotaExceeded, Op: "put"})
	assert.True(t, IsQuotaError(wrapped))
}
