package types

import (
	"errors"
	"fmt"
)

// ErrNotFound is matched by every NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// ErrEmptyImport is returned when an import contains no valid sessions.
var ErrEmptyImport = errors.New("import contains no valid sessions")

// NotFoundError reports an operation on an id absent from the store.
type NotFoundError struct {
	Kind string // "session", "tab"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ValidationError rejects a single malformed record.
type ValidationError struct {
	Index  int // position in the input, -1 if not applicable
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("record %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IntegrityViolation signals a broken store invariant. It indicates a
// programming defect, not bad input.
type IntegrityViolation struct {
	SessionID string
	Invariant string
}

func (e *IntegrityViolation) Error() string {
	if e.SessionID == "" {
		return "integrity violation: " + e.Invariant
	}
	return fmt.Sprintf("integrity violation in session %q: %s", e.SessionID, e.Invariant)
}

// TransientError wraps a failed or timed-out call to the KV or completion service.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
