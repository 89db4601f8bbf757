// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool of
// goroutines consuming dispatched leases from the scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/middleware"
)

// Callback is how execution outcomes flow back into the scheduler.
// The scheduler implements it; workers never touch the store or the
// admission controller directly.
type Callback interface {
	// ReportProgress records a progress update and liveness heartbeat.
	ReportProgress(ctx context.Context, jobID id.JobID, progress int)

	// ReportTerminal records the job's terminal outcome.
	ReportTerminal(ctx context.Context, jobID id.JobID, status job.Status, resultRef string, failure *job.Failure)
}

// Executor runs a single job through middleware and the registered
// handler, then reports the terminal outcome.
type Executor struct {
	registry *job.Registry
	cb       Callback
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	cb Callback,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		cb:       cb,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job through the middleware chain and handler, then
// reports the outcome:
//   - handler returns nil → completed with its result locator
//   - handler returns an error after its context was cancelled → cancelled
//   - handler returns any other error (or panics, via Recover) → failed
func (e *Executor) Execute(ctx context.Context, j *job.Job) {
	handler, ok := e.registry.Get(j.Class)
	if !ok {
		// Registration is checked at submission; reaching here means a
		// handler was deregistered mid-flight.
		e.cb.ReportTerminal(ctx, j.ID, job.StatusFailed, "", &job.Failure{
			Reason:  job.ReasonWorkerFailure,
			Message: fmt.Sprintf("no handler registered for class %q", j.Class),
		})
		return
	}

	report := func(progress int) {
		e.cb.ReportProgress(context.Background(), j.ID, progress)
	}

	var resultRef string
	terminal := func(ctx context.Context) error {
		ref, err := handler(ctx, j, report)
		resultRef = ref
		return err
	}

	start := time.Now()
	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	// Outcome reports use a background context: the job's own context
	// is already cancelled on the cancellation path.
	rctx := context.Background()

	switch {
	case err == nil:
		e.cb.ReportTerminal(rctx, j.ID, job.StatusCompleted, resultRef, nil)

	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		e.cb.ReportTerminal(rctx, j.ID, job.StatusCancelled, "", nil)
		e.logger.Info("job stopped cooperatively",
			slog.String("job_id", j.ID.String()),
			slog.Duration("elapsed", elapsed),
		)

	default:
		e.cb.ReportTerminal(rctx, j.ID, job.StatusFailed, "", &job.Failure{
			Reason:  job.ReasonWorkerFailure,
			Message: err.Error(),
		})
	}
}
