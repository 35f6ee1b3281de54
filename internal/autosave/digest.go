package autosave

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/roach88/storyline/internal/story"
)

// digestDomain versions the digest so a change of encoding never matches an
// old value.
const digestDomain = "storyline/snapshot/v1"

// Digest identifies the content of snap. Two snapshots with equal steps,
// pointer and image bytes have the same digest.
//
// Format: SHA256(domain + 0x00 + json(snapshot))
func Digest(snap story.Snapshot) (string, error) {
	// encoding/json sorts map keys, so Blobs encode deterministically.
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(digestDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
