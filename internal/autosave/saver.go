// Package autosave writes a save document of the session shortly after it
// changes.
//
// Notify is meant to be called from the ledger's commit hook. Bursts of
// commits within the debounce window produce a single write.
package autosave

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/storyline/internal/ledger"
	"github.com/roach88/storyline/internal/quota"
	"github.com/roach88/storyline/internal/savefile"
	"github.com/roach88/storyline/internal/story"
)

// DefaultDebounce is the quiet period before a save.
const DefaultDebounce = 2 * time.Second

// Source produces session snapshots. Implemented by *ledger.Ledger.
type Source interface {
	Snapshot(ctx context.Context) (story.Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (story.Snapshot, error)

// Snapshot calls f.
func (f SourceFunc) Snapshot(ctx context.Context) (story.Snapshot, error) {
	return f(ctx)
}

// Saver debounces change notifications into sink writes.
type Saver struct {
	src      Source
	sink     Sink
	codec    *savefile.Codec
	compress func(story.Snapshot) story.Snapshot
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	dirty  bool
	closed bool
	saves  int
	last   string // digest of the last written snapshot

	// serializes writes so an older snapshot never lands after a newer one
	saveMu sync.Mutex
}

// Option configures a Saver.
type Option func(*Saver)

// WithDebounce sets the quiet period.
func WithDebounce(d time.Duration) Option {
	return func(s *Saver) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// WithCodec sets the encoder.
func WithCodec(c *savefile.Codec) Option {
	return func(s *Saver) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithPolicy compresses snapshots with p when p marks the backend as
// low-capacity.
func WithPolicy(p quota.Policy) Option {
	return func(s *Saver) {
		if p.LowCapacity {
			s.compress = p.Compress
		} else {
			s.compress = nil
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Saver) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a saver. Nothing is written until Notify or Flush.
func New(src Source, sink Sink, opts ...Option) *Saver {
	s := &Saver{
		src:      src,
		sink:     sink,
		codec:    savefile.New(),
		debounce: DefaultDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hook adapts Notify to ledger.WithCommitHook.
func (s *Saver) Hook(ledger.Event) {
	s.Notify()
}

// Notify marks the session dirty and (re)starts the debounce timer.
func (s *Saver) Notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(s.debounce, s.fire)
		return
	}
	s.timer.Reset(s.debounce)
}

// pending reports whether a change has not been saved yet.
func (s *Saver) pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Saves returns the number of documents written. Saves of an unchanged
// session are skipped and not counted.
func (s *Saver) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Flush writes immediately when a change is pending.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return nil
	}
	return s.save(ctx)
}

// Close stops the timer and waits for a write in progress. Pending changes
// are dropped; call Flush first to keep them.
func (s *Saver) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	s.saveMu.Lock()
	s.saveMu.Unlock()
	return nil
}

func (s *Saver) fire() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.save(context.Background()); err != nil {
		s.logger.Warn("autosave failed", "error", err)
	}
}

func (s *Saver) save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	// Close may have run while we waited for saveMu.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.mu.Unlock()

	wrote, err := s.write(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.dirty = true
		return err
	}
	if wrote {
		s.saves++
	}
	return nil
}

func (s *Saver) write(ctx context.Context) (bool, error) {
	snap, err := s.src.Snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("autosave: %w", err)
	}
	if s.compress != nil {
		before := len(snap.Steps)
		snap = s.compress(snap)
		if len(snap.Steps) < before {
			s.logger.Debug("compressed autosave", "from", before, "to", len(snap.Steps))
		}
	}

	digest, err := Digest(snap)
	if err != nil {
		return false, fmt.Errorf("autosave: %w", err)
	}
	s.mu.Lock()
	unchanged := digest == s.last
	s.mu.Unlock()
	if unchanged {
		s.logger.Debug("autosave skipped, session unchanged")
		return false, nil
	}

	data, err := s.codec.Export(snap)
	if err != nil {
		return false, fmt.Errorf("autosave: %w", err)
	}
	if err := s.sink.Write(ctx, data); err != nil {
		return false, fmt.Errorf("autosave: %w", err)
	}
	s.mu.Lock()
	s.last = digest
	s.mu.Unlock()
	s.logger.Debug("autosaved", "steps", len(snap.Steps), "bytes", len(data))
	return true, nil
}
