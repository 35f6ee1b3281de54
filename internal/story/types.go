// Package story defines the session data model shared by every storage layer:
// Steps, the Session pointer, Blobs and self-contained Snapshots.
//
// Types in this package carry no persistence logic. They are encoded to JSON
// by the store-facing packages (ledger, session, savefile) using the tags
// declared here, so tag names are part of the durable format.
package story

// ChoiceArity is the fixed number of choices offered by every Step.
const ChoiceArity = 3

// Text is a narrative passage in the target language and its translation.
type Text struct {
	Primary     string `json:"primary"`
	Translation string `json:"translation"`
}

// Choice is one option offered to the player at the end of a Step.
type Choice struct {
	Text        string `json:"text"`
	Translation string `json:"translation"`
}

// VocabEntry is a word introduced by a Step.
type VocabEntry struct {
	Word        string `json:"word"`
	Translation string `json:"translation"`
	Note        string `json:"note,omitempty"`
}

// Status is an optional progress snapshot attached to a Step.
type Status struct {
	Location  string `json:"location,omitempty"`
	Objective string `json:"objective,omitempty"`
	Progress  int    `json:"progress"`
}

// Step is one narrative beat.
//
// Steps are immutable once appended, except SelectedChoice which is written
// exactly once when the player branches away from the step.
type Step struct {
	Text           Text         `json:"text"`
	Choices        []Choice     `json:"choices"`
	Vocabulary     []VocabEntry `json:"vocabulary"`
	ImageID        string       `json:"imageId,omitempty"`
	SelectedChoice *int         `json:"selectedChoice,omitempty"`
	Status         *Status      `json:"status,omitempty"`
}

// HasImage reports whether the step references a Blob.
func (s Step) HasImage() bool {
	return s.ImageID != ""
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	out.Choices = append([]Choice(nil), s.Choices...)
	out.Vocabulary = append([]VocabEntry(nil), s.Vocabulary...)
	if out.Vocabulary == nil {
		out.Vocabulary = []VocabEntry{}
	}
	if s.SelectedChoice != nil {
		c := *s.SelectedChoice
		out.SelectedChoice = &c
	}
	if s.Status != nil {
		st := *s.Status
		out.Status = &st
	}
	return out
}

// Settings are the player's session preferences.
type Settings struct {
	NativeLanguage string `json:"nativeLanguage"`
	TargetLanguage string `json:"targetLanguage"`
	Genre          string `json:"genre"`
	Difficulty     string `json:"difficulty"`
	ImagesEnabled  bool   `json:"imagesEnabled"`
}

// DefaultSettings returns the settings used for a fresh session and for
// filling fields missing from older save files.
func DefaultSettings() Settings {
	return Settings{
		NativeLanguage: "en",
		TargetLanguage: "es",
		Genre:          "adventure",
		Difficulty:     "beginner",
		ImagesEnabled:  true,
	}
}

// CharacterProfile describes a recurring character.
type CharacterProfile struct {
	Name        string   `json:"name"`
	Role        string   `json:"role,omitempty"`
	Description string   `json:"description,omitempty"`
	Traits      []string `json:"traits,omitempty"`
}

// RelationshipEdge links two characters.
type RelationshipEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Kind     string `json:"kind"`
	Affinity int    `json:"affinity"`
}

// Stats are session counters.
type Stats struct {
	StepsGenerated int `json:"stepsGenerated"`
	Branches       int `json:"branches"`
}

// Session is the single mutable pointer record of a session.
//
// INVARIANT: CurrentIndex is in [0, n-1] for a ledger of n > 0 steps, else -1.
type Session struct {
	Settings          Settings           `json:"settings"`
	CurrentIndex      int                `json:"currentIndex"`
	CharacterProfiles []CharacterProfile `json:"characterProfiles"`
	Relationships     []RelationshipEdge `json:"relationships"`
	Stats             Stats              `json:"stats"`
}

// NewSession returns the pointer of an empty session.
func NewSession() Session {
	return Session{
		Settings:          DefaultSettings(),
		CurrentIndex:      -1,
		CharacterProfiles: []CharacterProfile{},
		Relationships:     []RelationshipEdge{},
	}
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	out.CharacterProfiles = make([]CharacterProfile, len(s.CharacterProfiles))
	for i, p := range s.CharacterProfiles {
		p.Traits = append([]string(nil), p.Traits...)
		out.CharacterProfiles[i] = p
	}
	out.Relationships = append([]RelationshipEdge{}, s.Relationships...)
	return out
}

// Blob is a binary image payload stored apart from Step text.
type Blob struct {
	ID   string
	Data []byte
	MIME string
}

// Snapshot is a self-contained copy of a session: pointer, steps and every
// Blob referenced by those steps, keyed by id.
type Snapshot struct {
	Session Session
	Steps   []Step
	Blobs   map[string]Blob
}

// Clone returns a deep copy of the snapshot. Blob bytes are shared, they are
// never mutated in place.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Session: s.Session.Clone(),
		Steps:   make([]Step, len(s.Steps)),
		Blobs:   make(map[string]Blob, len(s.Blobs)),
	}
	for i, st := range s.Steps {
		out.Steps[i] = st.Clone()
	}
	for id, b := range s.Blobs {
		out.Blobs[id] = b
	}
	return out
}
