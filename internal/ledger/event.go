package ledger

import (
	"fmt"

	"github.com/roach88/storyline/internal/story"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateEmpty holds no steps.
	StateEmpty State = iota
	// StateActive holds at least one step.
	StateActive
	// StateCorrupted means the persisted session failed to load. Only Clear
	// leaves it.
	StateCorrupted
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateCorrupted:
		return "corrupted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind names the operation that produced a commit.
type EventKind string

const (
	EventAppend   EventKind = "append"
	EventBranch   EventKind = "branch"
	EventNavigate EventKind = "navigate"
	EventCompact  EventKind = "compact"
	EventSession  EventKind = "session"
	EventClear    EventKind = "clear"
	EventReplace  EventKind = "replace"
	EventFlush    EventKind = "flush"
)

// Event describes a successful commit. Index is the pointer and Length the
// ledger length after the commit.
type Event struct {
	Kind   EventKind
	Index  int
	Length int
}

// NoticeCode categorizes a non-fatal load notice.
type NoticeCode string

const (
	// NoticeMissingBlob: a step referenced a blob that no longer exists.
	// The reference was dropped.
	NoticeMissingBlob NoticeCode = "MISSING_BLOB"

	// NoticePointerClamped: the stored pointer was outside the ledger and
	// was moved to the nearest valid step.
	NoticePointerClamped NoticeCode = "POINTER_CLAMPED"

	// NoticeCorrupted: the session could not be loaded. Clear to restart.
	NoticeCorrupted NoticeCode = "CORRUPTED"
)

// Notice is a user-visible, non-fatal report produced while loading.
type Notice struct {
	Code    NoticeCode `json:"code"`
	Message string     `json:"message"`
	Index   int        `json:"index"` // affected step, -1 when not step-specific
}

// ImagePayload is image data produced alongside a step.
type ImagePayload struct {
	Data []byte
	MIME string
}

// NewStep is a complete generation result ready to be appended.
type NewStep struct {
	Text       story.Text         `json:"text"`
	Choices    []story.Choice     `json:"choices"`
	Vocabulary []story.VocabEntry `json:"vocabulary"`
	Status     *story.Status      `json:"status,omitempty"`
	Image      *ImagePayload      `json:"-"`
}

// Validate checks that the result is complete.
func (n NewStep) Validate() error {
	if err := story.ValidateStep(n.step()); err != nil {
		return err
	}
	if n.Image != nil && len(n.Image.Data) == 0 {
		return fmt.Errorf("%w: image payload is empty", story.ErrInvalidStep)
	}
	return nil
}

func (n NewStep) step() story.Step {
	return story.Normalize(story.Step{
		Text:       n.Text,
		Choices:    n.Choices,
		Vocabulary: n.Vocabulary,
		Status:     n.Status,
	})
}
