package story

// CompactionPlan describes how a ledger is reduced under storage pressure.
// All indices are positions in the original ledger; the retained window is
// [Start, End).
type CompactionPlan struct {
	Start     int // first retained position
	End       int // one past the last retained position
	Current   int // pointer remapped into the retained window
	ImageFrom int // retained positions >= ImageFrom keep their image
}

// PlanCompaction computes a deterministic compaction of a ledger of the given
// length whose pointer is current.
//
// The retained window holds at most maxLength steps and is centered on current,
// shifted as needed to stay inside the ledger. Only the keepRecentWithImages
// highest positions of the window keep their image reference. A maxLength
// below 1 disables the length cap.
func PlanCompaction(length, current, maxLength, keepRecentWithImages int) CompactionPlan {
	if length <= 0 {
		return CompactionPlan{Current: -1}
	}
	current = ClampIndex(current, length)
	if maxLength < 1 || maxLength > length {
		maxLength = length
	}
	if keepRecentWithImages < 0 {
		keepRecentWithImages = 0
	}

	start := current - maxLength/2
	if start > length-maxLength {
		start = length - maxLength
	}
	if start < 0 {
		start = 0
	}
	end := start + maxLength

	imageFrom := end - keepRecentWithImages
	if imageFrom < start {
		imageFrom = start
	}

	return CompactionPlan{
		Start:     start,
		End:       end,
		Current:   current - start,
		ImageFrom: imageFrom,
	}
}

// Len returns the number of retained steps.
func (p CompactionPlan) Len() int {
	return p.End - p.Start
}

// Retains reports whether original position i survives compaction.
func (p CompactionPlan) Retains(i int) bool {
	return i >= p.Start && i < p.End
}

// KeepsImage reports whether original position i survives with its image.
func (p CompactionPlan) KeepsImage(i int) bool {
	return p.Retains(i) && i >= p.ImageFrom
}

// Apply compacts steps according to the plan. It returns the retained steps
// (deep copies, image references stripped where required) and the ids of
// every Blob that is no longer referenced.
func (p CompactionPlan) Apply(steps []Step) (kept []Step, released []string) {
	kept = make([]Step, 0, p.Len())
	for i, s := range steps {
		if !p.Retains(i) {
			if s.HasImage() {
				released = append(released, s.ImageID)
			}
			continue
		}
		c := s.Clone()
		if c.HasImage() && !p.KeepsImage(i) {
			released = append(released, c.ImageID)
			c.ImageID = ""
		}
		kept = append(kept, c)
	}
	return kept, released
}
