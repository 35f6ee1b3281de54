// Package session reads and writes the Session pointer record and applies
// partial updates to it.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/text/cases"

	"github.com/roach88/storyline/internal/store"
	"github.com/roach88/storyline/internal/story"
)

// Key is the record key of the pointer inside store.CollectionSession.
const Key = "pointer"

// ErrMalformed is wrapped by Load when the stored record cannot be decoded.
var ErrMalformed = errors.New("malformed session record")

// Load reads the pointer. It returns an error matching store.ErrNotFound when
// no session has been started.
func Load(tx store.Tx) (story.Session, error) {
	raw, err := tx.Get(store.CollectionSession, Key)
	if err != nil {
		return story.Session{}, fmt.Errorf("load session: %w", err)
	}
	sess := story.NewSession()
	if err := json.Unmarshal(raw, &sess); err != nil {
		return story.Session{}, fmt.Errorf("decode session: %w: %w", ErrMalformed, err)
	}
	if sess.CharacterProfiles == nil {
		sess.CharacterProfiles = []story.CharacterProfile{}
	}
	if sess.Relationships == nil {
		sess.Relationships = []story.RelationshipEdge{}
	}
	return sess, nil
}

// Save writes the whole pointer record.
func Save(tx store.Tx, sess story.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := tx.Put(store.CollectionSession, Key, raw); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the pointer record.
func Delete(tx store.Tx) error {
	if err := tx.Delete(store.CollectionSession, Key); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SettingsPatch is a partial settings update. Nil fields are left untouched.
type SettingsPatch struct {
	NativeLanguage *string `json:"nativeLanguage,omitempty"`
	TargetLanguage *string `json:"targetLanguage,omitempty"`
	Genre          *string `json:"genre,omitempty"`
	Difficulty     *string `json:"difficulty,omitempty"`
	ImagesEnabled  *bool   `json:"imagesEnabled,omitempty"`
}

// Apply returns s with the patch's non-nil fields written over it.
func (p SettingsPatch) Apply(s story.Settings) story.Settings {
	if p.NativeLanguage != nil {
		s.NativeLanguage = *p.NativeLanguage
	}
	if p.TargetLanguage != nil {
		s.TargetLanguage = *p.TargetLanguage
	}
	if p.Genre != nil {
		s.Genre = *p.Genre
	}
	if p.Difficulty != nil {
		s.Difficulty = *p.Difficulty
	}
	if p.ImagesEnabled != nil {
		s.ImagesEnabled = *p.ImagesEnabled
	}
	return s
}

// IsEmpty reports whether the patch changes nothing.
func (p SettingsPatch) IsEmpty() bool {
	return p == SettingsPatch{}
}

// MergeProfiles merges incoming into stored by case-insensitive name.
//
// An incoming profile whose name matches a stored one replaces it entirely,
// in place. Unmatched incoming profiles are appended in their given order.
// Profiles with an empty name are ignored.
func MergeProfiles(stored, incoming []story.CharacterProfile) []story.CharacterProfile {
	fold := cases.Fold()
	out := make([]story.CharacterProfile, len(stored))
	copy(out, stored)

	index := make(map[string]int, len(out))
	for i, p := range out {
		index[fold.String(p.Name)] = i
	}
	for _, p := range incoming {
		if p.Name == "" {
			continue
		}
		p.Traits = append([]string(nil), p.Traits...)
		name := fold.String(p.Name)
		if i, ok := index[name]; ok {
			out[i] = p
			continue
		}
		index[name] = len(out)
		out = append(out, p)
	}
	return out
}

// Mutator applies a change to the live session pointer and persists it.
// Implemented by *ledger.Ledger.
type Mutator interface {
	MutateSession(ctx context.Context, fn func(*story.Session) error) error
}

// Manager exposes the partial pointer updates.
type Manager struct {
	m Mutator
}

// NewManager creates a Manager writing through m.
func NewManager(m Mutator) *Manager {
	return &Manager{m: m}
}

// UpdateSettings applies patch to the stored settings.
func (mgr *Manager) UpdateSettings(ctx context.Context, patch SettingsPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	return mgr.m.MutateSession(ctx, func(s *story.Session) error {
		s.Settings = patch.Apply(s.Settings)
		return nil
	})
}

// UpdateCharacterProfiles merges incoming into the stored profiles.
func (mgr *Manager) UpdateCharacterProfiles(ctx context.Context, incoming []story.CharacterProfile) error {
	return mgr.m.MutateSession(ctx, func(s *story.Session) error {
		s.CharacterProfiles = MergeProfiles(s.CharacterProfiles, incoming)
		return nil
	})
}

// UpdateRelationships replaces the relationship list.
func (mgr *Manager) UpdateRelationships(ctx context.Context, edges []story.RelationshipEdge) error {
	return mgr.m.MutateSession(ctx, func(s *story.Session) error {
		s.Relationships = append([]story.RelationshipEdge{}, edges...)
		return nil
	})
}
