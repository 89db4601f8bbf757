// Package ext defines the extension system for Foreman.
//
// Extensions are notified of job lifecycle events and can react to
// them — publishing status updates, recording metrics, writing audit
// logs, etc. Each lifecycle hook is a separate interface so extensions
// opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobQueued] — job was admitted into its class queue
//   - [JobStarted] — a worker began executing the job
//   - [JobProgress] — the job reported a progress update
//   - [JobReprioritized] — a queued job's priority was changed
//   - [JobCompleted] — job finished successfully
//   - [JobFailed] — job failed (worker error or liveness timeout)
//   - [JobCancelled] — job reached the cancelled terminal state
//
// # Other Hooks
//
//   - [Shutdown] — the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Every emitted job event
// carries the full job record at that moment, never a delta, so
// consumers stay correct even when individual events are missed.
package ext
