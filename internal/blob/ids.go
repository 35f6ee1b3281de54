package blob

import (
	"github.com/google/uuid"
)

// IDGenerator generates unique blob ids.
// Implemented by UUIDv7Generator (production) and testutil.SequentialIDs (tests).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 blob ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so blob keys sort
// roughly by creation time in the backend, which keeps storage listings
// readable when debugging quota problems.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (g UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
