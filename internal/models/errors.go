package models

import "errors"

// Error classes shared by the storage, reconciliation and service layers.
// Wrap them with fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrValidation marks missing or malformed input the caller can fix.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks an unknown transaction or notification.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a conditional update that lost its race or an
	// operation that is not legal in the current state. Retry later.
	ErrConflict = errors.New("conflict")

	// ErrExternalDependency marks an unavailable store or notifier.
	ErrExternalDependency = errors.New("external dependency unavailable")

	// ErrSecurity marks a rejected token. Never add detail to it.
	ErrSecurity = errors.New("rejected")
)
