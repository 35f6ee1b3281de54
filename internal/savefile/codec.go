package savefile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/storyline/internal/blob"
	"github.com/roach88/storyline/internal/ledger"
	"github.com/roach88/storyline/internal/story"
)

// Report describes what Import had to adjust.
type Report struct {
	Format  string   `json:"format"`
	Version int      `json:"version"`
	Notices []string `json:"notices"`
}

func (r *Report) notice(format string, args ...any) {
	r.Notices = append(r.Notices, fmt.Sprintf(format, args...))
}

// Codec exports and imports save documents.
type Codec struct {
	ids blob.IDGenerator
	now func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithIDGenerator sets the generator for image ids assigned on import.
func WithIDGenerator(ids blob.IDGenerator) Option {
	return func(c *Codec) {
		if ids != nil {
			c.ids = ids
		}
	}
}

// WithClock sets the time source for exportedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		ids: blob.UUIDv7Generator{},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Export encodes snap as an indented save document. Every image referenced by
// a step must be present in snap.Blobs.
func (c *Codec) Export(snap story.Snapshot) ([]byte, error) {
	doc := Document{
		Format:            FormatTag,
		Version:           Version,
		ExportedAt:        c.now().UTC().Format(time.RFC3339),
		Settings:          snap.Session.Settings,
		CurrentIndex:      snap.Session.CurrentIndex,
		CharacterProfiles: nonNil(snap.Session.CharacterProfiles),
		Relationships:     nonNil(snap.Session.Relationships),
		Stats:             snap.Session.Stats,
		History:           make([]Entry, len(snap.Steps)),
	}
	for i, s := range snap.Steps {
		e := Entry{
			Text:           s.Text,
			Choices:        nonNil(s.Choices),
			Vocabulary:     nonNil(s.Vocabulary),
			SelectedChoice: s.SelectedChoice,
			Status:         s.Status,
		}
		if s.HasImage() {
			b, ok := snap.Blobs[s.ImageID]
			if !ok {
				return nil, fmt.Errorf("export step %d: image %s not in snapshot", i, s.ImageID)
			}
			e.Image = dataURL(b)
		}
		doc.History[i] = e
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode save: %w", err)
	}
	return buf.Bytes(), nil
}

// Import decodes a save document into a snapshot with freshly generated image
// ids. Any input that cannot be turned into a usable session yields a
// ValidationError; Import never panics.
func (c *Codec) Import(raw []byte) (snap story.Snapshot, report Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			snap, report = story.Snapshot{}, Report{}
			err = ValidationError{Field: "document", Message: fmt.Sprintf("unreadable save: %v", r), Code: ErrCodeInternal}
		}
	}()

	if !json.Valid(raw) {
		return story.Snapshot{}, Report{}, ValidationError{
			Field:   "document",
			Message: "not a JSON document",
			Code:    ErrCodeMalformed,
		}
	}
	if err := defaultValidator.validate(raw); err != nil {
		return story.Snapshot{}, Report{}, err
	}

	doc := Document{Settings: story.DefaultSettings()}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return story.Snapshot{}, Report{}, ValidationError{Field: "document", Message: err.Error(), Code: ErrCodeSchema}
	}

	report = Report{Format: doc.Format, Version: doc.Version}
	switch {
	case doc.Format == "":
		report.notice("format tag missing, assuming %s", FormatTag)
	case doc.Format != FormatTag:
		report.notice("unknown format tag %q, importing as %s", doc.Format, FormatTag)
	}
	if doc.Version > Version {
		report.notice("document version %d is newer than %d, unknown fields ignored", doc.Version, Version)
	}

	snap = story.Snapshot{
		Session: story.Session{
			Settings:          doc.Settings,
			CharacterProfiles: nonNil(doc.CharacterProfiles),
			Relationships:     nonNil(doc.Relationships),
			Stats:             doc.Stats,
		},
		Steps: make([]story.Step, 0, len(doc.History)),
		Blobs: make(map[string]story.Blob),
	}

	for i, e := range doc.History {
		s := story.Step{
			Text:           e.Text,
			Choices:        e.Choices,
			Vocabulary:     nonNil(e.Vocabulary),
			SelectedChoice: e.SelectedChoice,
			Status:         e.Status,
		}
		if err := story.ValidateStep(s); err != nil {
			return story.Snapshot{}, Report{}, ValidationError{
				Field:   fmt.Sprintf("history.%d", i),
				Message: err.Error(),
				Code:    ErrCodeStep,
			}
		}
		if e.Image != "" {
			mime, data, err := parseDataURL(e.Image)
			if err != nil {
				report.notice("history.%d: image dropped: %v", i, err)
			} else {
				id := c.ids.Generate()
				snap.Blobs[id] = story.Blob{ID: id, Data: data, MIME: mime}
				s.ImageID = id
			}
		}
		snap.Steps = append(snap.Steps, s)
	}

	snap.Session.CurrentIndex = doc.CurrentIndex
	if !story.ValidIndex(doc.CurrentIndex, len(snap.Steps)) {
		snap.Session.CurrentIndex = story.ClampIndex(doc.CurrentIndex, len(snap.Steps))
		report.notice("currentIndex %d clamped to %d", doc.CurrentIndex, snap.Session.CurrentIndex)
	}
	return snap, report, nil
}

// Restore imports raw and replaces the ledger's session with it. The ledger
// is untouched when the document is invalid.
func (c *Codec) Restore(ctx context.Context, l *ledger.Ledger, raw []byte) (Report, error) {
	snap, report, err := c.Import(raw)
	if err != nil {
		return Report{}, err
	}
	if err := l.Replace(ctx, snap); err != nil {
		return report, fmt.Errorf("restore: %w", err)
	}
	return report, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
