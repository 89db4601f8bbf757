package job

import (
	"encoding/json"
	"time"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/id"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job was admitted and is waiting for a slot.
	StatusQueued Status = "queued"
	// StatusRunning means a worker is currently executing the job.
	StatusRunning Status = "running"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the worker reported failure or timed out.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// FailureReason classifies why a job failed.
type FailureReason string

const (
	// ReasonWorkerFailure means the opaque operation reported an error.
	ReasonWorkerFailure FailureReason = "worker_failure"
	// ReasonWorkerTimeout means the liveness deadline elapsed without a
	// progress callback. Treated identically to worker failure by callers.
	ReasonWorkerTimeout FailureReason = "worker_timeout"
)

// Failure is the structured error stored on a failed job.
type Failure struct {
	Reason  FailureReason `json:"reason"`
	Message string        `json:"message"`
}

// Job represents one unit of submitted work and its tracked lifecycle.
// Mutation goes through the transition methods below; the scheduler is
// the only component that calls them.
type Job struct {
	foreman.Entity

	ID       id.JobID `json:"id"`
	Class    string   `json:"class"`
	Priority int      `json:"priority"`
	Owner    string   `json:"owner"`

	// Params is the opaque, class-validated parameter payload. The
	// scheduling core never inspects it; validation is the worker's
	// concern.
	Params json.RawMessage `json:"params,omitempty"`

	Status Status `json:"status"`

	// Progress is 0–100 and non-decreasing while running; meaningless
	// in any other state.
	Progress int `json:"progress"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	// ETA is advisory, recomputed opportunistically from progress, and
	// never authoritative.
	ETA *time.Time `json:"eta,omitempty"`

	Error     *Failure `json:"error,omitempty"`
	ResultRef string   `json:"result_ref,omitempty"`

	// RetryOf/RetriedBy form the retry lineage: a retry is a new record
	// pointing back at the failed original, never an edit in place.
	RetryOf   id.JobID `json:"retry_of,omitempty"`
	RetriedBy id.JobID `json:"retried_by,omitempty"`

	// CancelRequested is the cooperative cancellation flag visible to
	// the executing worker while the grace period runs.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Seq is the scheduler's arrival counter, breaking priority ties
	// in submission order. Not persisted.
	Seq uint64 `json:"-"`
}

// Terminal reports whether the job is in an absorbing state.
func (j *Job) Terminal() bool { return j.Status.Terminal() }

// Clone returns a deep-enough copy safe to hand to observers: the
// pointer fields observers read (timestamps, failure) are duplicated so
// later transitions don't race with a snapshot already published.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	if j.ETA != nil {
		t := *j.ETA
		cp.ETA = &t
	}
	if j.Error != nil {
		f := *j.Error
		cp.Error = &f
	}
	return &cp
}

// Start transitions queued → running and sets StartedAt exactly once.
// Returns false if the job is not queued.
func (j *Job) Start(now time.Time) bool {
	if j.Status != StatusQueued {
		return false
	}
	j.Status = StatusRunning
	t := now.UTC()
	j.StartedAt = &t
	j.Progress = 0
	j.Touch()
	return true
}

// RecordProgress applies a progress callback. Values below the current
// progress are rejected (monotonicity guard against out-of-order
// delivery), as is any progress against a non-running job. The ETA is
// recomputed opportunistically from the elapsed/progress ratio.
// Returns false when the update was absorbed as a no-op.
func (j *Job) RecordProgress(progress int, now time.Time) bool {
	if j.Status != StatusRunning {
		return false
	}
	if progress < j.Progress || progress < 0 || progress > 100 {
		return false
	}
	j.Progress = progress

	if progress > 0 && j.StartedAt != nil {
		elapsed := now.Sub(*j.StartedAt)
		total := time.Duration(float64(elapsed) * 100 / float64(progress))
		eta := j.StartedAt.Add(total).UTC()
		j.ETA = &eta
	}
	j.Touch()
	return true
}

// Complete transitions running → completed, setting FinishedAt and the
// result locator. Returns false if the job is not running.
func (j *Job) Complete(resultRef string, now time.Time) bool {
	if j.Status != StatusRunning {
		return false
	}
	j.Status = StatusCompleted
	j.Progress = 100
	j.ResultRef = resultRef
	t := now.UTC()
	j.FinishedAt = &t
	j.ETA = nil
	j.Touch()
	return true
}

// Fail transitions running → failed with a structured reason.
// Returns false if the job is not running.
func (j *Job) Fail(failure *Failure, now time.Time) bool {
	if j.Status != StatusRunning {
		return false
	}
	j.Status = StatusFailed
	j.Error = failure
	t := now.UTC()
	j.FinishedAt = &t
	j.ETA = nil
	j.Touch()
	return true
}

// Cancel transitions queued or running → cancelled. Cancelling a
// terminal job returns false and leaves the record untouched, which is
// what makes the cancel operation idempotent.
func (j *Job) Cancel(now time.Time) bool {
	if j.Terminal() {
		return false
	}
	j.Status = StatusCancelled
	t := now.UTC()
	j.FinishedAt = &t
	j.ETA = nil
	j.Touch()
	return true
}

// Reprioritize updates the priority. Valid only while queued.
func (j *Job) Reprioritize(priority int) bool {
	if j.Status != StatusQueued {
		return false
	}
	j.Priority = priority
	j.Touch()
	return true
}
