package quota

import (
	"errors"
	"fmt"

	"github.com/roach88/storyline/internal/store"
)

// DegradedError is returned when a write still exceeds the quota after
// eviction and one retry.
//
// It is a recoverable warning: the write was not applied durably, but the
// caller may continue in memory. It unwraps to the backend's quota error, so
// store.IsQuotaError also matches it.
type DegradedError struct {
	Err     error         // the final quota failure
	Evicted []store.Entry // records evicted before the retry
}

// Error implements the error interface.
func (e *DegradedError) Error() string {
	return fmt.Sprintf("session not durably saved (evicted %d records): %v", len(e.Evicted), e.Err)
}

// Unwrap returns the quota failure.
func (e *DegradedError) Unwrap() error {
	return e.Err
}

// IsDegraded returns true if err is a DegradedError.
// Uses errors.As to handle wrapped errors.
func IsDegraded(err error) bool {
	var de *DegradedError
	return errors.As(err, &de)
}
