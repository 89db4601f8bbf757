package foreman

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("foreman: no store configured")
	ErrStoreClosed = errors.New("foreman: store closed")

	// Admission errors.
	ErrAdmissionRejected = errors.New("foreman: admission rejected: class queue depth exceeded")
	ErrClassUnknown      = errors.New("foreman: unknown job class")

	// Not found errors.
	ErrJobNotFound = errors.New("foreman: job not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("foreman: job already exists")

	// State errors. InvalidTransition covers the state-creating commands
	// only (retry on a non-failed job, reprioritize on a non-queued job).
	// Duplicate cancels and late progress callbacks are absorbed as no-ops.
	ErrInvalidTransition = errors.New("foreman: invalid state transition")

	// Worker outcome errors.
	ErrWorkerFailure = errors.New("foreman: worker reported failure")
	ErrWorkerTimeout = errors.New("foreman: worker liveness deadline exceeded")
)
