// Package media resolves step image references into displayable handles.
//
// Resolution is asynchronous and superseded by every new request: when the
// player navigates again before an image arrives, the earlier request is
// cancelled and its result, if it still arrives, is discarded and released.
package media

import (
	"context"
	"log/slog"
	"sync"

	"github.com/roach88/storyline/internal/story"
)

// Source resolves image ids. Implemented by *ledger.Ledger.
type Source interface {
	Blob(ctx context.Context, id string) (story.Blob, error)
}

// Result is a delivered resolution. Handle is nil when ImageID is empty or
// Err is set. The handle stays owned by the Resolver.
type Result struct {
	ImageID string
	Handle  Handle
	Err     error
}

// Resolver shows at most one image at a time; the last request wins.
type Resolver struct {
	src       Source
	newHandle HandleFactory
	onResult  func(Result)
	logger    *slog.Logger

	mu        sync.Mutex
	seq       uint64
	cancel    context.CancelFunc
	current   Handle
	currentID string
	closed    bool

	wg sync.WaitGroup
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHandleFactory sets how resolved blobs become handles.
//
// Default: TempFileHandles("")
func WithHandleFactory(f HandleFactory) Option {
	return func(r *Resolver) {
		if f != nil {
			r.newHandle = f
		}
	}
}

// OnResult registers fn to receive every delivered result, in request
// order. fn runs with the resolver locked and must not call back into it.
func OnResult(fn func(Result)) Option {
	return func(r *Resolver) {
		r.onResult = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver creates a resolver reading from src.
func NewResolver(src Source, opts ...Option) *Resolver {
	r := &Resolver{
		src:       src,
		newHandle: TempFileHandles(""),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Show requests imageID, superseding any request in flight. An empty id
// clears the current image. The returned channel is closed once this request
// has been delivered or discarded.
func (r *Resolver) Show(ctx context.Context, imageID string) <-chan struct{} {
	done := make(chan struct{})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(done)
		return done
	}
	r.seq++
	seq := r.seq
	if r.cancel != nil {
		r.cancel()
	}
	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer close(done)
		defer cancel()

		h, err := r.resolve(rctx, imageID)

		r.mu.Lock()
		defer r.mu.Unlock()
		if seq != r.seq || r.closed {
			if h != nil {
				release(r.logger, h)
			}
			r.logger.Debug("discarded stale image", "image", imageID)
			return
		}

		if r.current != nil {
			release(r.logger, r.current)
		}
		r.current, r.currentID = h, imageID
		if err != nil {
			r.logger.Warn("image unavailable", "image", imageID, "error", err)
		}
		if r.onResult != nil {
			r.onResult(Result{ImageID: imageID, Handle: h, Err: err})
		}
	}()
	return done
}

// Current returns the image currently shown.
func (r *Resolver) Current() (imageID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentID, r.current
}

// Close cancels any request in flight, waits for it and releases the current
// handle.
func (r *Resolver) Close() error {
	r.mu.Lock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.current != nil {
		err = r.current.Release()
		r.current, r.currentID = nil, ""
	}
	return err
}

func (r *Resolver) resolve(ctx context.Context, imageID string) (Handle, error) {
	if imageID == "" {
		return nil, nil
	}
	b, err := r.src.Blob(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return r.newHandle(b)
}

func release(logger *slog.Logger, h Handle) {
	if err := h.Release(); err != nil {
		logger.Warn("release image handle", "error", err)
	}
}
