// Package ledger implements the ordered, branchable log of Steps and the
// session pointer that tracks the player's position in it.
//
// Every mutation computes the next in-memory state, writes it to the backend
// in one transaction and only then publishes it. Readers holding the ledger's
// read lock therefore see the state before or after a commit, never a mix.
//
// Durable layout:
//
//	steps/<%08d index>   JSON story.Step
//	session/pointer      JSON story.Session
//	blobs/<id>           image payload, owned by exactly one step
//
// When the backend is wrapped by a quota.Guard and a write cannot be stored
// even after eviction, the ledger enters degraded mode: the in-memory state
// advances, new image payloads are held in memory, and the next successful
// write (or Flush) rewrites the whole session.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/storyline/internal/blob"
	"github.com/roach88/storyline/internal/quota"
	"github.com/roach88/storyline/internal/session"
	"github.com/roach88/storyline/internal/store"
	"github.com/roach88/storyline/internal/story"
)

// Ledger is the live session. It is safe for concurrent readers; mutations
// are serialized.
type Ledger struct {
	mu sync.RWMutex

	backend store.Backend
	blobs   *blob.Store
	logger  *slog.Logger
	hooks   []func(Event)

	state State
	sess  story.Session
	steps []story.Step

	// degraded is set when the last write was not durably stored. pending
	// holds image payloads that exist only in memory while degraded.
	degraded bool
	pending  map[string]story.Blob
}

var _ session.Mutator = (*Ledger)(nil)

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator sets the blob id generator.
//
// Default: blob.UUIDv7Generator
func WithIDGenerator(ids blob.IDGenerator) Option {
	return func(l *Ledger) {
		l.blobs = blob.New(ids)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCommitHook registers fn to run synchronously after every successful
// commit, outside the ledger lock. Hooks must not block.
func WithCommitHook(fn func(Event)) Option {
	return func(l *Ledger) {
		l.hooks = append(l.hooks, fn)
	}
}

// New creates an empty ledger over backend. Call Load to read a persisted
// session.
func New(backend store.Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend: backend,
		blobs:   blob.New(nil),
		logger:  slog.Default(),
		state:   StateEmpty,
		sess:    story.NewSession(),
		pending: make(map[string]story.Blob),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// State returns the lifecycle state.
func (l *Ledger) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Degraded reports whether the in-memory session is ahead of storage.
func (l *Ledger) Degraded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.degraded
}

// Len returns the number of steps.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.steps)
}

// Session returns a copy of the pointer.
func (l *Ledger) Session() story.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sess.Clone()
}

// Current returns the step at the pointer. ok is false when empty.
func (l *Ledger) Current() (step story.Step, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.steps) == 0 {
		return story.Step{}, false
	}
	return l.steps[l.sess.CurrentIndex].Clone(), true
}

// Step returns the step at index i.
func (l *Ledger) Step(i int) (story.Step, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i < 0 || i >= len(l.steps) {
		return story.Step{}, fmt.Errorf("step %d: %w", i, ErrIndexOutOfRange)
	}
	return l.steps[i].Clone(), nil
}

// Steps returns a copy of every step.
func (l *Ledger) Steps() []story.Step {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSteps(l.steps)
}

// Blob resolves an image id, including payloads held in memory while
// degraded.
func (l *Ledger) Blob(ctx context.Context, id string) (story.Blob, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if b, ok := l.pending[id]; ok {
		return b, nil
	}
	return l.blobs.Resolve(ctx, l.backend, id)
}

// Snapshot returns a self-contained copy of the session with every
// referenced blob.
func (l *Ledger) Snapshot(ctx context.Context) (story.Snapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := story.Snapshot{
		Session: l.sess.Clone(),
		Steps:   cloneSteps(l.steps),
		Blobs:   make(map[string]story.Blob),
	}
	var stored []string
	for _, s := range l.steps {
		if !s.HasImage() {
			continue
		}
		if b, ok := l.pending[s.ImageID]; ok {
			snap.Blobs[s.ImageID] = b
			continue
		}
		stored = append(stored, s.ImageID)
	}
	if len(stored) == 0 {
		return snap, nil
	}

	err := l.backend.View(ctx, func(tx store.Tx) error {
		for _, id := range stored {
			b, err := l.blobs.Get(tx, id)
			if err != nil {
				return err
			}
			snap.Blobs[id] = b
		}
		return nil
	})
	if err != nil {
		return story.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return snap, nil
}

// Append adds a step at the tail and moves the pointer to it.
//
// Returns ErrNotAtTail when the pointer is not at the last step.
func (l *Ledger) Append(ctx context.Context, ns NewStep) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	return l.mutate(func() (*Event, error) {
		if err := l.writable(); err != nil {
			return nil, err
		}
		n := len(l.steps)
		if n > 0 && l.sess.CurrentIndex != n-1 {
			return nil, fmt.Errorf("append at %d of %d: %w", l.sess.CurrentIndex, n, ErrNotAtTail)
		}

		step, added := l.materialize(ns)
		next := l.sess.Clone()
		next.CurrentIndex = n
		next.Stats.StepsGenerated++
		steps := append(cloneSteps(l.steps), step)

		write := func(tx store.Tx) error {
			if err := l.putBlobs(tx, added); err != nil {
				return err
			}
			if err := putStep(tx, n, step); err != nil {
				return err
			}
			return session.Save(tx, next)
		}
		ev := Event{Kind: EventAppend, Index: n, Length: n + 1}
		return l.commit(ctx, next, steps, write, added, nil, ev)
	})
}

// BranchAndAppend records choice on the step at from, discards every later
// step together with its image, appends ns and moves the pointer to it.
// All of it commits in one transaction. The resulting length is from+2.
func (l *Ledger) BranchAndAppend(ctx context.Context, from, choice int, ns NewStep) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if !story.ValidChoice(choice) {
		return fmt.Errorf("choice %d: %w", choice, ErrInvalidChoice)
	}
	return l.mutate(func() (*Event, error) {
		if err := l.writable(); err != nil {
			return nil, err
		}
		n := len(l.steps)
		if from < 0 || from >= n {
			return nil, fmt.Errorf("branch from %d of %d: %w", from, n, ErrIndexOutOfRange)
		}

		anchor := l.steps[from].Clone()
		c := choice
		anchor.SelectedChoice = &c

		var released []string
		for _, s := range l.steps[from+1:] {
			if s.HasImage() {
				released = append(released, s.ImageID)
			}
		}

		step, added := l.materialize(ns)
		steps := cloneSteps(l.steps[:from])
		steps = append(steps, anchor, step)

		next := l.sess.Clone()
		next.CurrentIndex = from + 1
		next.Stats.StepsGenerated++
		if from < n-1 {
			next.Stats.Branches++
		}

		write := func(tx store.Tx) error {
			if err := putStep(tx, from, anchor); err != nil {
				return err
			}
			for i := from + 1; i < n; i++ {
				if err := tx.Delete(store.CollectionSteps, stepKey(i)); err != nil {
					return fmt.Errorf("truncate step %d: %w", i, err)
				}
			}
			for _, id := range released {
				if err := l.blobs.Delete(tx, id); err != nil {
					return err
				}
			}
			if err := l.putBlobs(tx, added); err != nil {
				return err
			}
			if err := putStep(tx, from+1, step); err != nil {
				return err
			}
			return session.Save(tx, next)
		}
		ev := Event{Kind: EventBranch, Index: from + 1, Length: from + 2}
		return l.commit(ctx, next, steps, write, added, released, ev)
	})
}

// Navigate moves the pointer by delta, clamped to the ledger bounds, and
// returns the new index. Step content is untouched.
func (l *Ledger) Navigate(ctx context.Context, delta int) (int, error) {
	var idx int
	err := l.mutate(func() (*Event, error) {
		if err := l.writable(); err != nil {
			return nil, err
		}
		if len(l.steps) == 0 {
			return nil, ErrEmpty
		}
		idx = story.ClampIndex(l.sess.CurrentIndex+delta, len(l.steps))
		return l.movePointer(ctx, idx)
	})
	return idx, err
}

// Seek moves the pointer to index i.
func (l *Ledger) Seek(ctx context.Context, i int) error {
	return l.mutate(func() (*Event, error) {
		if err := l.writable(); err != nil {
			return nil, err
		}
		if i < 0 || i >= len(l.steps) {
			return nil, fmt.Errorf("seek %d of %d: %w", i, len(l.steps), ErrIndexOutOfRange)
		}
		return l.movePointer(ctx, i)
	})
}

func (l *Ledger) movePointer(ctx context.Context, idx int) (*Event, error) {
	if idx == l.sess.CurrentIndex {
		return nil, nil
	}
	next := l.sess.Clone()
	next.CurrentIndex = idx
	write := func(tx store.Tx) error {
		return session.Save(tx, next)
	}
	ev := Event{Kind: EventNavigate, Index: idx, Length: len(l.steps)}
	return l.commit(ctx, next, l.steps, write, nil, nil, ev)
}

// Compact reduces the ledger to at most maxLength steps around the pointer
// and strips images from all but the keepRecentWithImages most recent
// retained steps. Dropped and stripped images are deleted.
func (l *Ledger) Compact(ctx context.Context, maxLength, keepRecentWithImages int) (story.CompactionPlan, error) {
	var plan story.CompactionPlan
	err := l.mutate(func() (*Event, error) {
		if err := l.writable(); err != nil {
			return nil, err
		}
		n := len(l.steps)
		plan = story.PlanCompaction(n, l.sess.CurrentIndex, maxLength, keepRecentWithImages)
		steps, released := plan.Apply(l.steps)
		if len(steps) == n && len(released) == 0 {
			return nil, nil
		}

		next := l.sess.Clone()
		next.CurrentIndex = plan.Current

		write := func(tx store.Tx) error {
			for i, s := range steps {
				if err := putStep(tx, i, s); err != nil {
					return err
				}
			}
			for i := len(steps); i < n; i++ {
				if err := tx.Delete(store.CollectionSteps, stepKey(i)); err != nil {
					return fmt.Errorf("compact step %d: %w", i, err)
				}
			}
			for _, id := range released {
				if err := l.blobs.Delete(tx, id); err != nil {
					return err
				}
			}
			return session.Save(tx, next)
		}
		ev := Event{Kind: EventCompact, Index: plan.Current, Length: len(steps)}
		return l.commit(ctx, next, steps, write, nil, released, ev)
	})
	return plan, err
}

// MutateSession applies fn to a copy of the pointer and persists it.
//
// Before the first append the change is kept in memory only; the pointer
// record is created together with the first step.
func (l *Ledger) MutateSession(ctx context.Context, fn func(*story.Session) error) error {
	return l.mutate(func() (*Event, error) {
		if err := l.writable(); err != nil {
			return nil, err
		}
		next := l.sess.Clone()
		if err := fn(&next); err != nil {
			return nil, err
		}
		next.CurrentIndex = l.sess.CurrentIndex

		if l.state == StateEmpty {
			l.sess = next
			return nil, nil
		}
		write := func(tx store.Tx) error {
			return session.Save(tx, next)
		}
		ev := Event{Kind: EventSession, Index: next.CurrentIndex, Length: len(l.steps)}
		return l.commit(ctx, next, l.steps, write, nil, nil, ev)
	})
}

// Clear deletes every step, image and the pointer. It is the only way out of
// StateCorrupted. Settings survive in memory.
func (l *Ledger) Clear(ctx context.Context) error {
	return l.mutate(func() (*Event, error) {
		err := l.backend.Update(ctx, func(tx store.Tx) error {
			for _, c := range []string{store.CollectionSteps, store.CollectionBlobs} {
				if err := store.DeleteCollection(tx, c); err != nil {
					return fmt.Errorf("clear %s: %w", c, err)
				}
			}
			if err := tx.Delete(store.CollectionSlots, store.SlotSession); err != nil {
				return fmt.Errorf("clear slot: %w", err)
			}
			return session.Delete(tx)
		})
		if err != nil {
			return nil, fmt.Errorf("clear: %w", err)
		}

		settings := story.DefaultSettings()
		if l.state != StateCorrupted {
			settings = l.sess.Settings
		}
		l.sess = story.NewSession()
		l.sess.Settings = settings
		l.steps = nil
		l.state = StateEmpty
		l.degraded = false
		l.pending = make(map[string]story.Blob)
		l.logger.Info("session cleared")
		return &Event{Kind: EventClear, Index: -1, Length: 0}, nil
	})
}

// Replace swaps the whole session for snap in one transaction. Existing
// images are deleted and snap's images stored under their ids.
func (l *Ledger) Replace(ctx context.Context, snap story.Snapshot) error {
	if err := validateSnapshot(snap); err != nil {
		return err
	}
	return l.mutate(func() (*Event, error) {
		if err := l.writable(); err != nil {
			return nil, err
		}
		next := snap.Session.Clone()
		steps := cloneSteps(snap.Steps)
		added := make([]story.Blob, 0, len(snap.Blobs))
		for _, s := range steps {
			if s.HasImage() {
				added = append(added, snap.Blobs[s.ImageID])
			}
		}
		var released []string
		for _, s := range l.steps {
			if s.HasImage() {
				released = append(released, s.ImageID)
			}
		}

		write := l.rewriteAll(next, steps, added)
		ev := Event{Kind: EventReplace, Index: next.CurrentIndex, Length: len(steps)}
		return l.commit(ctx, next, steps, write, added, released, ev)
	})
}

// Flush rewrites the whole in-memory session when degraded. It is a no-op
// otherwise.
func (l *Ledger) Flush(ctx context.Context) error {
	return l.mutate(func() (*Event, error) {
		if !l.degraded || l.state == StateCorrupted {
			return nil, nil
		}
		ev := Event{Kind: EventFlush, Index: l.sess.CurrentIndex, Length: len(l.steps)}
		return l.commit(ctx, l.sess, l.steps, nil, nil, nil, ev)
	})
}

// mutate runs fn under the write lock and fires commit hooks after
// releasing it.
func (l *Ledger) mutate(fn func() (*Event, error)) error {
	l.mu.Lock()
	ev, err := fn()
	l.mu.Unlock()

	if err == nil && ev != nil {
		for _, h := range l.hooks {
			h(*ev)
		}
	}
	return err
}

func (l *Ledger) writable() error {
	if l.state == StateCorrupted {
		return ErrCorrupted
	}
	return nil
}

// materialize converts a generation result into a step, assigning an id to
// its image.
func (l *Ledger) materialize(ns NewStep) (story.Step, []story.Blob) {
	step := ns.step()
	if ns.Image == nil {
		return step, nil
	}
	b := story.Blob{
		ID:   l.blobs.NewID(),
		Data: append([]byte(nil), ns.Image.Data...),
		MIME: ns.Image.MIME,
	}
	if b.MIME == "" {
		b.MIME = blob.DefaultMIME
	}
	step.ImageID = b.ID
	return step, []story.Blob{b}
}

// commit writes the next state and publishes it on success.
//
// write applies the change incrementally. While degraded it is replaced by a
// full rewrite, since storage may lag several operations behind. Both must
// be safe to run twice: the quota guard retries once.
//
// On a degraded write the state advances in memory and the error is
// returned as a warning.
func (l *Ledger) commit(
	ctx context.Context,
	next story.Session,
	steps []story.Step,
	write func(store.Tx) error,
	added []story.Blob,
	released []string,
	ev Event,
) (*Event, error) {
	if l.degraded || write == nil {
		pending := make([]story.Blob, 0, len(l.pending)+len(added))
		for _, b := range l.pending {
			pending = append(pending, b)
		}
		write = l.rewriteAll(next, steps, append(pending, added...))
	}

	err := l.backend.Update(ctx, write)
	if err != nil && !quota.IsDegraded(err) {
		return nil, fmt.Errorf("%s: %w", ev.Kind, err)
	}

	l.sess = next
	l.steps = steps
	l.state = StateEmpty
	if len(steps) > 0 {
		l.state = StateActive
	}

	if err != nil {
		l.degraded = true
		for _, b := range added {
			l.pending[b.ID] = b
		}
		for _, id := range released {
			delete(l.pending, id)
		}
		l.logger.Warn("session is ahead of storage",
			"op", string(ev.Kind),
			"steps", len(steps),
			"error", err,
		)
		return nil, fmt.Errorf("%s: %w", ev.Kind, err)
	}

	if l.degraded {
		l.logger.Info("session durably saved again", "steps", len(steps))
	}
	l.degraded = false
	l.pending = make(map[string]story.Blob)
	l.logger.Debug("ledger commit",
		"op", string(ev.Kind),
		"index", ev.Index,
		"length", ev.Length,
	)
	return &ev, nil
}

// rewriteAll returns a transaction body that makes storage hold exactly
// steps and sess. Images in blobs are stored, and every stored image not
// referenced by steps is deleted.
func (l *Ledger) rewriteAll(sess story.Session, steps []story.Step, blobs []story.Blob) func(store.Tx) error {
	return func(tx store.Tx) error {
		keys, err := tx.Keys(store.CollectionSteps)
		if err != nil {
			return err
		}
		for i, s := range steps {
			if err := putStep(tx, i, s); err != nil {
				return err
			}
		}
		for _, k := range keys {
			if k >= stepKey(len(steps)) {
				if err := tx.Delete(store.CollectionSteps, k); err != nil {
					return err
				}
			}
		}

		live := make(map[string]bool, len(steps))
		for _, s := range steps {
			if s.HasImage() {
				live[s.ImageID] = true
			}
		}
		stored, err := l.blobs.IDs(tx)
		if err != nil {
			return err
		}
		for _, id := range stored {
			if !live[id] {
				if err := l.blobs.Delete(tx, id); err != nil {
					return err
				}
			}
		}
		for _, b := range blobs {
			if live[b.ID] {
				if err := l.blobs.Restore(tx, b); err != nil {
					return err
				}
			}
		}

		if len(steps) == 0 {
			return session.Delete(tx)
		}
		return session.Save(tx, sess)
	}
}

func (l *Ledger) putBlobs(tx store.Tx, blobs []story.Blob) error {
	for _, b := range blobs {
		if err := l.blobs.Restore(tx, b); err != nil {
			return err
		}
	}
	return nil
}

func stepKey(i int) string {
	return fmt.Sprintf("%08d", i)
}

func putStep(tx store.Tx, i int, s story.Step) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode step %d: %w", i, err)
	}
	if err := tx.Put(store.CollectionSteps, stepKey(i), raw); err != nil {
		return fmt.Errorf("put step %d: %w", i, err)
	}
	return nil
}

func cloneSteps(steps []story.Step) []story.Step {
	out := make([]story.Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

func validateSnapshot(snap story.Snapshot) error {
	if !story.ValidIndex(snap.Session.CurrentIndex, len(snap.Steps)) {
		return fmt.Errorf("%w: currentIndex %d for %d steps",
			ErrInvalidSnapshot, snap.Session.CurrentIndex, len(snap.Steps))
	}
	owners := make(map[string]int)
	for i, s := range snap.Steps {
		if err := story.ValidateStep(s); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidSnapshot, i, err)
		}
		if !s.HasImage() {
			continue
		}
		if j, ok := owners[s.ImageID]; ok {
			return fmt.Errorf("%w: image %s shared by steps %d and %d", ErrInvalidSnapshot, s.ImageID, j, i)
		}
		owners[s.ImageID] = i
		if _, ok := snap.Blobs[s.ImageID]; !ok {
			return fmt.Errorf("%w: step %d references missing image %s", ErrInvalidSnapshot, i, s.ImageID)
		}
	}
	return nil
}
