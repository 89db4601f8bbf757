// Package admission gates job submissions against per-class limits.
//
// Each class has a fixed number of resource slots (concurrently running
// jobs) and, separately, a maximum queue depth. Submission below the
// depth limit is accepted immediately; at the limit it is rejected
// outright — explicit backpressure instead of unbounded queuing.
// Slot occupancy is released only on a terminal transition, never on
// dequeue, so admission always reflects true concurrent execution.
package admission
