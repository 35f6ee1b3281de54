package autosave

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/storyline/internal/store"
)

// Sink receives encoded save documents.
type Sink interface {
	Write(ctx context.Context, data []byte) error
}

// SlotSink keeps the latest document in the backend's session slot. Pass
// a *quota.Guard as the backend to get eviction on quota pressure.
type SlotSink struct {
	backend store.Backend
}

// NewSlotSink creates a sink writing to backend.
func NewSlotSink(backend store.Backend) *SlotSink {
	return &SlotSink{backend: backend}
}

// Write replaces the slot.
func (s *SlotSink) Write(ctx context.Context, data []byte) error {
	if err := store.Set(ctx, s.backend, store.CollectionSlots, store.SlotSession, data); err != nil {
		return fmt.Errorf("write slot: %w", err)
	}
	return nil
}

// ReadSlot returns the document in the session slot.
func ReadSlot(ctx context.Context, backend store.Backend) ([]byte, error) {
	data, err := store.Get(ctx, backend, store.CollectionSlots, store.SlotSession)
	if err != nil {
		return nil, fmt.Errorf("read slot: %w", err)
	}
	return data, nil
}

// FileSink writes each document to a file, replacing it atomically.
type FileSink struct {
	path string
}

// NewFileSink creates a sink writing to path.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the destination file.
func (s *FileSink) Path() string {
	return s.path
}

func (s *FileSink) Write(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create save directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp save: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp save: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp save: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace save: %w", err)
	}
	return nil
}
