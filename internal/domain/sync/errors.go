package sync

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed request or configuration before a run
// starts. Non-retryable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// MappingErrorKind classifies per-record mapping failures.
type MappingErrorKind string

const (
	MissingRequiredField MappingErrorKind = "missing_required_field"
	TypeMismatch         MappingErrorKind = "type_mismatch"
)

// MappingError is a per-record transformation failure. It is retryable only
// after the mapping is corrected and never aborts the run by itself.
type MappingError struct {
	Kind       MappingErrorKind
	ResourceID string
	Field      string
	Reason     string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("mapping error (%s) on %s.%s: %s", e.Kind, e.ResourceID, e.Field, e.Reason)
}

// ConflictError marks an attempted merge on a non-mergeable field. The
// resource is deferred to manual resolution rather than failed.
type ConflictError struct {
	ResourceID string
	Field      string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("field %s.%s is not mergeable", e.ResourceID, e.Field)
}

// TransientIOError wraps an extraction or target-store failure that is worth
// retrying with backoff.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient i/o failure during %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable per the retry policy.
func IsTransient(err error) bool {
	var t *TransientIOError
	return errors.As(err, &t)
}

// FatalRunError terminates the whole run as failed: abort threshold exceeded
// or required configuration missing.
type FatalRunError struct {
	Reason string
}

func (e *FatalRunError) Error() string {
	return fmt.Sprintf("fatal run error: %s", e.Reason)
}

// ErrSyncInProgress is returned when a run is already active for the same
// (provider, EHR system) pair.
var ErrSyncInProgress = errors.New("a synchronization run is already active for this provider and EHR system")
