package source

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Load when the document no longer exists in the
// source. The engine reroutes it to the delete path.
var ErrNotFound = errors.New("source: document not found")

// ErrStopped is returned by operations on a detector after Stop.
var ErrStopped = errors.New("source: detector stopped")

// TransientError wraps an error the caller should retry with backoff:
// network blips, rate limits, file locks.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("source: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// FatalError wraps an error that cannot be recovered by retrying:
// authentication failures, invalid configuration, revoked permissions.
// The supervisor responds by disabling the config with sync_status=error.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("source: fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as unrecoverable. Returns nil for nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}

	return &FatalError{Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err is unrecoverable.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsNotFound reports whether err indicates a vanished document.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
