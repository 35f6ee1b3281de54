package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts guard activity.
type Metrics struct {
	failures     prometheus.Counter
	evictions    prometheus.Counter
	evictedBytes prometheus.Counter
	degraded     prometheus.Counter
}

// NewMetrics creates the guard counters and registers them on reg.
// A nil reg creates unregistered counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		failures: f.NewCounter(prometheus.CounterOpts{
			Name: "storyline_quota_failures_total",
			Help: "Total number of writes rejected for exceeding the storage quota.",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "storyline_quota_evictions_total",
			Help: "Total number of unrelated records evicted to free space.",
		}),
		evictedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "storyline_quota_evicted_bytes_total",
			Help: "Total bytes freed by eviction.",
		}),
		degraded: f.NewCounter(prometheus.CounterOpts{
			Name: "storyline_quota_degraded_total",
			Help: "Total number of writes that failed after eviction and retry.",
		}),
	}
}
