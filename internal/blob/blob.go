// Package blob stores image payloads apart from step text.
//
// Blobs are referenced, never embedded, by steps. A blob id is owned by
// exactly one step at a time; the ledger, not this package, decides when
// ownership ends and issues the delete in the same transaction that removes
// the step.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/roach88/storyline/internal/store"
	"github.com/roach88/storyline/internal/story"
)

// DefaultMIME is recorded for payloads stored without a MIME type.
const DefaultMIME = "application/octet-stream"

// ErrCorruptBlob is returned when a stored record cannot be decoded.
var ErrCorruptBlob = errors.New("corrupt blob record")

// Store issues blob ids and reads/writes blob records inside a transaction.
type Store struct {
	ids IDGenerator
}

// New creates a blob store. A nil generator defaults to UUIDv7Generator.
func New(ids IDGenerator) *Store {
	if ids == nil {
		ids = UUIDv7Generator{}
	}
	return &Store{ids: ids}
}

// NewID returns a fresh blob id without storing anything.
func (s *Store) NewID() string {
	return s.ids.Generate()
}

// Put stores data under a new id and returns the id.
func (s *Store) Put(tx store.Tx, data []byte, mime string) (string, error) {
	b := story.Blob{ID: s.NewID(), Data: data, MIME: mime}
	if err := s.Restore(tx, b); err != nil {
		return "", err
	}
	return b.ID, nil
}

// Restore stores b under its own id, replacing any record with that id.
func (s *Store) Restore(tx store.Tx, b story.Blob) error {
	if b.ID == "" {
		return fmt.Errorf("put blob: empty id")
	}
	if err := tx.Put(store.CollectionBlobs, b.ID, encode(b)); err != nil {
		return fmt.Errorf("put blob %s: %w", b.ID, err)
	}
	return nil
}

// Get returns the blob stored under id, or an error matching
// store.ErrNotFound.
func (s *Store) Get(tx store.Tx, id string) (story.Blob, error) {
	raw, err := tx.Get(store.CollectionBlobs, id)
	if err != nil {
		return story.Blob{}, fmt.Errorf("get blob %s: %w", id, err)
	}
	b, err := decode(id, raw)
	if err != nil {
		return story.Blob{}, fmt.Errorf("get blob %s: %w", id, err)
	}
	return b, nil
}

// Exists reports whether id is stored.
func (s *Store) Exists(tx store.Tx, id string) (bool, error) {
	_, err := tx.Get(store.CollectionBlobs, id)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check blob %s: %w", id, err)
	}
	return true, nil
}

// Delete removes id. Deleting a missing blob is not an error.
func (s *Store) Delete(tx store.Tx, id string) error {
	if err := tx.Delete(store.CollectionBlobs, id); err != nil {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return nil
}

// IDs lists every stored blob id.
func (s *Store) IDs(tx store.Tx) ([]string, error) {
	ids, err := tx.Keys(store.CollectionBlobs)
	if err != nil {
		return nil, fmt.Errorf("list blobs: %w", err)
	}
	return ids, nil
}

// Resolve reads a single blob in its own read transaction.
func (s *Store) Resolve(ctx context.Context, b store.Backend, id string) (story.Blob, error) {
	var out story.Blob
	err := b.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.Get(tx, id)
		return err
	})
	return out, err
}

// encode frames a blob record as MIME type, NUL byte, payload.
func encode(b story.Blob) []byte {
	mime := b.MIME
	if mime == "" {
		mime = DefaultMIME
	}
	out := make([]byte, 0, len(mime)+1+len(b.Data))
	out = append(out, mime...)
	out = append(out, 0)
	return append(out, b.Data...)
}

func decode(id string, raw []byte) (story.Blob, error) {
	i := bytes.IndexByte(raw, 0)
	if i <= 0 {
		return story.Blob{}, ErrCorruptBlob
	}
	return story.Blob{
		ID:   id,
		MIME: string(raw[:i]),
		Data: append([]byte{}, raw[i+1:]...),
	}, nil
}
