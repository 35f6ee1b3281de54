package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/storyline/internal/store"
	"github.com/roach88/storyline/internal/story"
)

type seqIDs struct{ n int }

func (g *seqIDs) Generate() string {
	g.n++
	return "blob-" + string(rune('0'+g.n))
}

func TestStore_PutGetDelete(t *testing.T) {
	b := store.NewMemory()
	s := New(&seqIDs{})
	ctx := context.Background()

	var id string
	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		var err error
		id, err = s.Put(tx, []byte{0x89, 'P', 'N', 'G'}, "image/png")
		return err
	}))
	assert.Equal(t, "blob-1", id)

	got, err := s.Resolve(ctx, b, id)
	require.NoError(t, err)
	assert.Equal(t, story.Blob{ID: id, Data: []byte{0x89, 'P', 'N', 'G'}, MIME: "image/png"}, got)

	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return s.Delete(tx, id)
	}))

	_, err = s.Resolve(ctx, b, id)
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

func TestStore_DefaultMIME(t *testing.T) {
	b := store.NewMemory()
	s := New(&seqIDs{})
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return s.Restore(tx, story.Blob{ID: "x", Data: []byte("raw")})
	}))

	got, err := s.Resolve(ctx, b, "x")
	require.NoError(t, err)
	assert.Equal(t, DefaultMIME, got.MIME)
	assert.Equal(t, "raw", string(got.Data))
}

func TestStore_EmptyPayload(t *testing.T) {
	b := store.NewMemory()
	s := New(&seqIDs{})
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		return s.Restore(tx, story.Blob{ID: "x", MIME: "image/webp"})
	}))
	got, err := s.Resolve(ctx, b, "x")
	require.NoError(t, err)
	assert.Empty(t, got.Data)
	assert.Equal(t, "image/webp", got.MIME)
}

func TestStore_ExistsAndIDs(t *testing.T) {
	b := store.NewMemory()
	s := New(&seqIDs{})
	ctx := context.Background()

	require.NoError(t, b.Update(ctx, func(tx store.Tx) error {
		if _, err := s.Put(tx, []byte("a"), "image/png"); err != nil {
			return err
		}
		_, err := s.Put(tx, []byte("b"), "image/png")
		return err
	}))

	require.NoError(t, b.View(ctx, func(tx store.Tx) error {
		ok, err := s.Exists(tx, "blob-2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.Exists(tx, "blob-9")
		require.NoError(t, err)
		assert.False(t, ok)

		ids, err := s.IDs(tx)
		require.NoError(t, err)
		assert.Equal(t, []string{"blob-1", "blob-2"}, ids)
		return nil
	}))
}

func TestStore_CorruptRecord(t *testing.T) {
	b := store.NewMemory()
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, b, store.CollectionBlobs, "bad", []byte("no-separator")))

	_, err := s.Resolve(ctx, b, "bad")
	assert.ErrorIs(t, err, ErrCorruptBlob)
}

func TestUUIDv7Generator_Unique(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
