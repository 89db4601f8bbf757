// Package sched implements the priority scheduler at the heart of
// Foreman.
//
// Each job class gets its own queue, ordered by priority (higher
// first) and submission order among equals. Dispatch is strict: a
// queued job moves to running only when the admission controller
// grants a class slot, so lower-priority work can wait indefinitely
// while higher-priority work keeps arriving — deliberate starvation,
// not a defect.
//
// The scheduler owns the running set: per-job cancel contexts, the
// cancellation grace timer, and the liveness watchdog that fails jobs
// whose handlers stop reporting progress. All state transitions flow
// through it, are persisted to the store, and fan out to extensions
// as full job snapshots.
package sched
