// Package job defines the unit of work and its lifecycle state machine.
//
// A Job moves queued → running → (completed | failed | cancelled), with
// cancellation also possible straight from queued. Terminal states are
// absorbing: commands and callbacks against a terminal record are no-ops
// that return the unchanged record, which makes cancel and terminal
// updates idempotent under duplicate delivery. A failed job is never
// edited back to life — retry creates a brand-new record linked through
// RetryOf/RetriedBy.
package job
