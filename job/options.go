package job

import "github.com/docubuild/foreman/id"

// Options configures per-submission behavior.
type Options struct {
	// Priority overrides the class default when set.
	Priority int

	// RetryOf links the new job back to the failed record it replaces.
	RetryOf id.JobID

	prioritySet bool
}

// PrioritySet reports whether a priority was explicitly provided.
func (o Options) PrioritySet() bool { return o.prioritySet }

// Option is a functional option for configuring a submission.
type Option func(*Options)

// WithPriority sets an explicit priority. Higher values dispatch first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
		o.prioritySet = true
	}
}

// WithRetryOf records the retry lineage back-link.
func WithRetryOf(original id.JobID) Option {
	return func(o *Options) {
		o.RetryOf = original
	}
}
