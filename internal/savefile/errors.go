package savefile

import (
	"errors"
	"fmt"
)

// Validation error codes (E200-E299)
const (
	ErrCodeMalformed = "E201" // not a JSON document
	ErrCodeSchema    = "E202" // JSON does not match the save schema
	ErrCodeStep      = "E203" // a history entry is not a valid step
	ErrCodeInternal  = "E299" // importer fault, reported instead of crashing
)

// ValidationError reports a save document that cannot be imported.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// IsValidationError returns true if err is a ValidationError.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
