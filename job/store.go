package job

import (
	"context"
	"time"

	"github.com/docubuild/foreman/id"
)

// Filter narrows list queries by class and/or owner. Empty fields match
// everything.
type Filter struct {
	Class string
	Owner string
}

// Matches reports whether the job satisfies the filter.
func (f Filter) Matches(j *Job) bool {
	if f.Class != "" && j.Class != f.Class {
		return false
	}
	if f.Owner != "" && j.Owner != f.Owner {
		return false
	}
	return true
}

// Store defines the persistence contract for jobs. The store collaborator
// owns retention and restart survival; the scheduling core only reads and
// writes records through this interface.
type Store interface {
	// CreateJob persists a newly admitted job in queued state.
	CreateJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID. Used by retention, not the core.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListActive returns all non-terminal jobs matching the filter,
	// ordered by submission time.
	ListActive(ctx context.Context, f Filter) ([]*Job, error)

	// ListTerminal returns terminal jobs that finished within the given
	// window before now, matching the filter, ordered by finish time.
	ListTerminal(ctx context.Context, f Filter, window time.Duration) ([]*Job, error)
}
