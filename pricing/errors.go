package pricing

import (
	"fmt"
	"strings"
)

// DataError indicates the pricing configuration itself is missing or
// malformed.
type DataError struct {
	Message string
	Err     error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// UnknownModelError indicates a model has no entry in the pricing table.
// The table never substitutes a default rate; the caller decides whether
// to block the request or apply its own conservative fallback.
type UnknownModelError struct {
	Model     string
	Available []string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("model %q not found in pricing configuration (available: %s)",
		e.Model, strings.Join(e.Available, ", "))
}
