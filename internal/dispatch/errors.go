package dispatch

import "errors"

var (
	// ErrValidation wraps every request rejected before any I/O.
	ErrValidation = errors.New("invalid campaign request")
	// ErrCredentialNotFound means no sender credential could be resolved for
	// the run. It is never retried.
	ErrCredentialNotFound = errors.New("sender credential not found")
	// ErrCancelled is recorded on recipients that were not started because
	// the run was cancelled.
	ErrCancelled = errors.New("campaign cancelled")
)
