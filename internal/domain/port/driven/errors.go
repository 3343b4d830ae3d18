// Package driven defines the secondary ports the application drives.
package driven

import "errors"

// Sentinel errors shared by the driven ports.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an optimistic write lost against a concurrent
	// writer. Callers reload and retry.
	ErrConflict = errors.New("version conflict")

	// ErrTransient marks failures worth retrying: network errors, backend
	// 5xx and 429 responses, timeouts.
	ErrTransient = errors.New("transient failure")

	// ErrNotAccepted marks a backend rejection that is known to have created
	// nothing on the backend side, so a retry may safely submit again.
	ErrNotAccepted = errors.New("submission not accepted")
)
