package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/docubuild/foreman/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobQueuedEntry struct {
	name string
	hook JobQueued
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobProgressEntry struct {
	name string
	hook JobProgress
}

type jobReprioritizedEntry struct {
	name string
	hook JobReprioritized
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	jobQueued        []jobQueuedEntry
	jobStarted       []jobStartedEntry
	jobProgress      []jobProgressEntry
	jobReprioritized []jobReprioritizedEntry
	jobCompleted     []jobCompletedEntry
	jobFailed        []jobFailedEntry
	jobCancelled     []jobCancelledEntry
	shutdown         []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobQueued); ok {
		r.jobQueued = append(r.jobQueued, jobQueuedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobProgress); ok {
		r.jobProgress = append(r.jobProgress, jobProgressEntry{name, h})
	}
	if h, ok := e.(JobReprioritized); ok {
		r.jobReprioritized = append(r.jobReprioritized, jobReprioritizedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobQueued notifies all extensions that implement JobQueued.
func (r *Registry) EmitJobQueued(ctx context.Context, j *job.Job) {
	for _, e := range r.jobQueued {
		if err := e.hook.OnJobQueued(ctx, j); err != nil {
			r.logHookError("OnJobQueued", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobProgress notifies all extensions that implement JobProgress.
func (r *Registry) EmitJobProgress(ctx context.Context, j *job.Job) {
	for _, e := range r.jobProgress {
		if err := e.hook.OnJobProgress(ctx, j); err != nil {
			r.logHookError("OnJobProgress", e.name, err)
		}
	}
}

// EmitJobReprioritized notifies all extensions that implement JobReprioritized.
func (r *Registry) EmitJobReprioritized(ctx context.Context, j *job.Job, oldPriority int) {
	for _, e := range r.jobReprioritized {
		if err := e.hook.OnJobReprioritized(ctx, j, oldPriority); err != nil {
			r.logHookError("OnJobReprioritized", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobCancelled {
		if err := e.hook.OnJobCancelled(ctx, j); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated — they must not block the core.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
