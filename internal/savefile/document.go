// Package savefile exports a session to a portable, self-contained JSON
// document and imports such documents back.
//
// Images are inlined as data URLs ("data:<mime>;base64,<payload>"), so a save
// file never refers to the store it came from. Import validates the document
// against an embedded CUE schema, fills defaults for fields older versions did
// not write, clamps the pointer and assigns fresh ids to every image.
package savefile

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/roach88/storyline/internal/blob"
	"github.com/roach88/storyline/internal/story"
)

// FormatTag identifies storyline save documents.
const FormatTag = "storyline-save"

// Version is the document version written by Export.
const Version = 2

// Document is the save file layout.
type Document struct {
	Format            string                   `json:"format"`
	Version           int                      `json:"version"`
	ExportedAt        string                   `json:"exportedAt,omitempty"`
	Settings          story.Settings           `json:"settings"`
	CurrentIndex      int                      `json:"currentIndex"`
	CharacterProfiles []story.CharacterProfile `json:"characterProfiles"`
	Relationships     []story.RelationshipEdge `json:"relationships"`
	Stats             story.Stats              `json:"stats"`
	History           []Entry                  `json:"history"`
}

// Entry is one step with its image inlined.
type Entry struct {
	Text           story.Text         `json:"text"`
	Choices        []story.Choice     `json:"choices"`
	Vocabulary     []story.VocabEntry `json:"vocabulary"`
	Image          string             `json:"image,omitempty"`
	SelectedChoice *int               `json:"selectedChoice,omitempty"`
	Status         *story.Status      `json:"status,omitempty"`
}

// dataURL encodes b as a base64 data URL.
func dataURL(b story.Blob) string {
	mime := b.MIME
	if mime == "" {
		mime = blob.DefaultMIME
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
}

// parseDataURL decodes a base64 data URL into its MIME type and payload.
func parseDataURL(s string) (mime string, data []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URL has no payload")
	}
	mime, ok = strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data URL is not base64 encoded")
	}
	if mime == "" {
		mime = blob.DefaultMIME
	}
	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode image: %w", err)
	}
	return mime, data, nil
}
