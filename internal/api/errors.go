package api

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the room has no history (or no longer exists). The
// sync layers treat this as a valid empty state, not a failure.
var ErrNotFound = errors.New("chat api: not found")

// ErrTimeout indicates a request exceeded its deadline. Existing local data
// must be preserved when this surfaces.
var ErrTimeout = errors.New("chat api: request timed out")

// TransportError reports a network or server failure that is surfaced to the
// caller verbatim. It is never retried automatically.
type TransportError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("chat api: %s returned %d: %s", e.Op, e.Status, e.Body)
	}
	return fmt.Sprintf("chat api: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
