package ext

import (
	"context"
	"time"

	"github.com/docubuild/foreman/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobQueued is called after a job passes admission and enters its
// class queue.
type JobQueued interface {
	OnJobQueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgress is called when a running job reports a progress update.
// The job carries the already-applied progress and ETA.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job) error
}

// JobReprioritized is called when a queued job's priority is changed.
type JobReprioritized interface {
	OnJobReprioritized(ctx context.Context, j *job.Job, oldPriority int) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally, whether from a
// worker error or a liveness timeout.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job) error
}

// JobCancelled is called when a job reaches the cancelled terminal
// state, whether cancelled from the queue, cooperatively, or forced
// after the grace period.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
