package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for rejected operations. None of them changes state.
var (
	// ErrNotAtTail is returned by Append when the pointer is not at the
	// last step. Use BranchAndAppend to continue from an earlier step.
	ErrNotAtTail = errors.New("current step is not the tail")

	// ErrIndexOutOfRange is returned for a step index outside the ledger.
	ErrIndexOutOfRange = errors.New("step index out of range")

	// ErrInvalidChoice is returned for a choice index outside [0, ChoiceArity).
	ErrInvalidChoice = errors.New("invalid choice")

	// ErrEmpty is returned by operations that need at least one step.
	ErrEmpty = errors.New("ledger is empty")

	// ErrCorrupted is returned by every mutation except Clear while the
	// persisted session could not be loaded.
	ErrCorrupted = errors.New("session is corrupted")

	// ErrInvalidSnapshot is returned by Replace for a structurally invalid
	// snapshot.
	ErrInvalidSnapshot = errors.New("invalid snapshot")
)

// CorruptedError reports why a persisted session could not be loaded.
// It matches ErrCorrupted.
type CorruptedError struct {
	Key string // record that failed, empty for ledger-wide problems
	Err error
}

// Error implements the error interface.
func (e *CorruptedError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("session is corrupted at %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("session is corrupted: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *CorruptedError) Unwrap() error {
	return e.Err
}

// Is matches ErrCorrupted.
func (e *CorruptedError) Is(target error) bool {
	return target == ErrCorrupted
}

// IsCorrupted returns true if err reports a corrupted session.
func IsCorrupted(err error) bool {
	return errors.Is(err, ErrCorrupted)
}
