package quota

import (
	"context"
	"fmt"

	"github.com/roach88/storyline/internal/store"
)

// Pressure is an advisory storage signal for UI warnings.
type Pressure struct {
	EstimatedBytes int64   `json:"estimatedBytes"`
	Capacity       int64   `json:"capacity"` // 0 when unlimited
	StepCount      int     `json:"stepCount"`
	Ratio          float64 `json:"ratio"`
	Warn           bool    `json:"warn"`
}

// Pressure measures the backend. stepCount is the live ledger length.
func (g *Guard) Pressure(ctx context.Context, stepCount int) (Pressure, error) {
	entries, err := g.backend.Entries(ctx)
	if err != nil {
		return Pressure{}, fmt.Errorf("measure pressure: %w", err)
	}
	p := Pressure{
		EstimatedBytes: store.TotalSize(entries),
		Capacity:       g.backend.Capacity(),
		StepCount:      stepCount,
	}
	if p.Capacity > 0 {
		p.Ratio = float64(p.EstimatedBytes) / float64(p.Capacity)
	}
	p.Warn = (p.Capacity > 0 && g.policy.WarnRatio > 0 && p.Ratio >= g.policy.WarnRatio) ||
		(g.policy.MaxSteps > 0 && stepCount > g.policy.MaxSteps)
	return p, nil
}
