package quota

import (
	"github.com/roach88/storyline/internal/story"
)

// CompressSaveData reduces a snapshot for a size-constrained backend.
//
// The ledger is capped to maxSteps around the current position, then image
// payloads are stripped from all but the keepImages most recent retained
// steps. Blobs no longer referenced are dropped from the snapshot. The input
// is not modified.
func CompressSaveData(snap story.Snapshot, maxSteps, keepImages int) story.Snapshot {
	plan := story.PlanCompaction(len(snap.Steps), snap.Session.CurrentIndex, maxSteps, keepImages)
	kept, _ := plan.Apply(snap.Steps)

	out := story.Snapshot{
		Session: snap.Session.Clone(),
		Steps:   kept,
		Blobs:   make(map[string]story.Blob),
	}
	out.Session.CurrentIndex = plan.Current
	for _, s := range kept {
		if b, ok := snap.Blobs[s.ImageID]; ok && s.HasImage() {
			out.Blobs[s.ImageID] = b
		}
	}
	return out
}

// Compress applies CompressSaveData with the policy's thresholds.
func (p Policy) Compress(snap story.Snapshot) story.Snapshot {
	return CompressSaveData(snap, p.MaxSteps, p.KeepImages)
}
