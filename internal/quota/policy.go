package quota

import "github.com/roach88/storyline/internal/store"

// Policy configures the guard.
type Policy struct {
	// EvictThreshold is the minimum size in bytes of an unrelated record
	// that may be evicted.
	EvictThreshold int64

	// Protected collections are never evicted.
	Protected []string

	// WarnRatio is the used/capacity ratio at which Pressure warns.
	WarnRatio float64

	// MaxSteps caps the ledger length for compaction and warnings.
	MaxSteps int

	// KeepImages is the number of most recent steps that keep their image
	// under compaction.
	KeepImages int

	// LowCapacity marks the backend as size-constrained: snapshots are
	// compressed before they are written.
	LowCapacity bool
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		EvictThreshold: 1024,
		Protected:      append([]string(nil), store.SessionCollections...),
		WarnRatio:      0.8,
		MaxSteps:       50,
		KeepImages:     10,
	}
}

func (p Policy) protects(collection string) bool {
	for _, c := range p.Protected {
		if c == collection {
			return true
		}
	}
	return false
}
