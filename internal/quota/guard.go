package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/storyline/internal/store"
)

// Guard is a store.Backend that evicts unrelated records and retries once when
// a write exceeds the quota.
type Guard struct {
	backend store.Backend
	policy  Policy
	metrics *Metrics
	logger  *slog.Logger
}

var _ store.Backend = (*Guard)(nil)

// Option configures a Guard.
type Option func(*Guard)

// WithMetrics sets the counters updated by the guard.
func WithMetrics(m *Metrics) Option {
	return func(g *Guard) {
		if m != nil {
			g.metrics = m
		}
	}
}

// WithLogger sets the logger used for eviction and degradation warnings.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// New wraps backend with the given policy.
func New(backend store.Backend, policy Policy, opts ...Option) *Guard {
	g := &Guard{
		backend: backend,
		policy:  policy,
		metrics: NewMetrics(nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the guard's policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Backend returns the wrapped backend.
func (g *Guard) Backend() store.Backend {
	return g.backend
}

// View delegates to the wrapped backend.
func (g *Guard) View(ctx context.Context, fn func(store.Tx) error) error {
	return g.backend.View(ctx, fn)
}

// Entries delegates to the wrapped backend.
func (g *Guard) Entries(ctx context.Context) ([]store.Entry, error) {
	return g.backend.Entries(ctx)
}

// Capacity delegates to the wrapped backend.
func (g *Guard) Capacity() int64 {
	return g.backend.Capacity()
}

// Close closes the wrapped backend.
func (g *Guard) Close() error {
	return g.backend.Close()
}

// Update runs fn on the wrapped backend. On a quota failure it evicts
// unrelated oversized records and retries fn exactly once. fn must be safe to
// run twice.
//
// Returns *DegradedError when the write still cannot be stored. The retry is
// skipped when nothing could be evicted, since it would fail the same way.
func (g *Guard) Update(ctx context.Context, fn func(store.Tx) error) error {
	err := g.backend.Update(ctx, fn)
	if err == nil || !store.IsQuotaError(err) {
		return err
	}
	g.metrics.failures.Inc()

	evicted, evictErr := g.evict(ctx)
	if evictErr != nil {
		g.logger.Warn("quota eviction failed", "error", evictErr)
	}

	if len(evicted) > 0 {
		err = g.backend.Update(ctx, fn)
		if err == nil {
			g.logger.Info("write succeeded after eviction", "evicted", len(evicted))
			return nil
		}
		if !store.IsQuotaError(err) {
			return err
		}
		g.metrics.failures.Inc()
	}

	g.metrics.degraded.Inc()
	g.logger.Warn("storage quota exhausted, session not durably saved",
		"evicted", len(evicted),
		"error", err,
	)
	return &DegradedError{Err: err, Evicted: evicted}
}

// Evictable lists the records eviction would remove, largest first.
func (g *Guard) Evictable(ctx context.Context) ([]store.Entry, error) {
	entries, err := g.backend.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	var out []store.Entry
	for _, e := range entries {
		if g.policy.protects(e.Collection) || e.Size < g.policy.EvictThreshold {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Size > out[j].Size
	})
	return out, nil
}

// evict removes every evictable record in one transaction.
func (g *Guard) evict(ctx context.Context) ([]store.Entry, error) {
	victims, err := g.Evictable(ctx)
	if err != nil || len(victims) == 0 {
		return nil, err
	}

	err = g.backend.Update(ctx, func(tx store.Tx) error {
		for _, e := range victims {
			if err := tx.Delete(e.Collection, e.Key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evict: %w", err)
	}

	freed := store.TotalSize(victims)
	g.metrics.evictions.Add(float64(len(victims)))
	g.metrics.evictedBytes.Add(float64(freed))
	for _, e := range victims {
		g.logger.Info("evicted unrelated record",
			"collection", e.Collection,
			"key", e.Key,
			"size", e.Size,
		)
	}
	return victims, nil
}
