// Package stream provides a real-time event broker for Foreman
// lifecycle events. It bridges the ext.Extension system to connected
// clients via topic-based pub/sub, and serves the pull snapshot query
// clients use to resynchronize.
package stream

import (
	"time"

	"github.com/docubuild/foreman/job"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventJobQueued        EventType = "job.queued"
	EventJobStarted       EventType = "job.started"
	EventJobProgress      EventType = "job.progress"
	EventJobReprioritized EventType = "job.reprioritized"
	EventJobCompleted     EventType = "job.completed"
	EventJobFailed        EventType = "job.failed"
	EventJobCancelled     EventType = "job.cancelled"
)

// Terminal reports whether the event type marks the end of a job's
// lifecycle.
func (t EventType) Terminal() bool {
	switch t {
	case EventJobCompleted, EventJobFailed, EventJobCancelled:
		return true
	}
	return false
}

// Event is the envelope sent to subscribers on a topic channel.
//
// Every event carries the complete job record at the moment of the
// transition, never a delta. A consumer that misses events is still
// correct after the next one arrives; only display latency suffers.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the primary channel this event was published on.
	Topic string `json:"topic"`

	// Job is the full job record after the transition.
	Job *job.Job `json:"job"`
}

// Snapshot is the pull-side answer to "what is true right now": every
// active job plus the terminal jobs that finished within the configured
// window. It is the client's resynchronization primitive.
type Snapshot struct {
	// Active holds all queued and running jobs, ordered by submission
	// time.
	Active []*job.Job `json:"active"`

	// Completed holds terminal jobs that finished within the window,
	// newest first.
	Completed []*job.Job `json:"completed"`

	// TakenAt is when the snapshot was assembled.
	TakenAt time.Time `json:"taken_at"`
}
