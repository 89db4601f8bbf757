package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docubuild/foreman/ext"
	"github.com/docubuild/foreman/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Broker)(nil)
	_ ext.JobQueued        = (*Broker)(nil)
	_ ext.JobStarted       = (*Broker)(nil)
	_ ext.JobProgress      = (*Broker)(nil)
	_ ext.JobReprioritized = (*Broker)(nil)
	_ ext.JobCompleted     = (*Broker)(nil)
	_ ext.JobFailed        = (*Broker)(nil)
	_ ext.JobCancelled     = (*Broker)(nil)
	_ ext.Shutdown         = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// DefaultSnapshotWindow bounds how far back Snapshot reports terminal
// jobs when no window is configured.
const DefaultSnapshotWindow = time.Hour

// Broker is the status publisher. It implements the ext hook
// interfaces to receive lifecycle events and fans them out to
// subscribers via topic-based pub/sub. It also serves the pull
// snapshot query backed by the job store.
type Broker struct {
	topics *TopicRegistry
	store  job.Store
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
	window         time.Duration
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// WithSnapshotWindow bounds how far back the snapshot reports terminal
// jobs.
func WithSnapshotWindow(d time.Duration) BrokerOption {
	return func(b *Broker) {
		if d > 0 {
			b.window = d
		}
	}
}

// NewBroker creates a new stream broker over the given job store.
func NewBroker(store job.Store, logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		store:          store,
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
		window:         DefaultSnapshotWindow,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., wire server).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Window returns the configured terminal-job snapshot window.
func (b *Broker) Window() time.Duration { return b.window }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// ──────────────────────────────────────────────────
// Snapshot query
// ──────────────────────────────────────────────────

// Snapshot answers "what is true right now" for the given filter:
// every active job plus terminal jobs that finished within the window.
// Clients use it to seed their state on connect and to resynchronize
// after a gap.
func (b *Broker) Snapshot(ctx context.Context, f job.Filter) (*Snapshot, error) {
	active, err := b.store.ListActive(ctx, f)
	if err != nil {
		return nil, err
	}
	completed, err := b.store.ListTerminal(ctx, f, b.window)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Active:    active,
		Completed: completed,
		TakenAt:   time.Now().UTC(),
	}, nil
}

// ──────────────────────────────────────────────────
// Stats
// ──────────────────────────────────────────────────

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// publish broadcasts a full-snapshot event to all matching topics.
func (b *Broker) publish(t EventType, j *job.Job) {
	evt := &Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(j.ID.String()),
		Job:       j,
	}
	delivered := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
}

// ── Job lifecycle hooks ─────────────────────────────

func (b *Broker) OnJobQueued(_ context.Context, j *job.Job) error {
	b.publish(EventJobQueued, j)
	return nil
}

func (b *Broker) OnJobStarted(_ context.Context, j *job.Job) error {
	b.publish(EventJobStarted, j)
	return nil
}

func (b *Broker) OnJobProgress(_ context.Context, j *job.Job) error {
	b.publish(EventJobProgress, j)
	return nil
}

func (b *Broker) OnJobReprioritized(_ context.Context, j *job.Job, _ int) error {
	b.publish(EventJobReprioritized, j)
	return nil
}

func (b *Broker) OnJobCompleted(_ context.Context, j *job.Job, _ time.Duration) error {
	b.publish(EventJobCompleted, j)
	return nil
}

func (b *Broker) OnJobFailed(_ context.Context, j *job.Job) error {
	b.publish(EventJobFailed, j)
	return nil
}

func (b *Broker) OnJobCancelled(_ context.Context, j *job.Job) error {
	b.publish(EventJobCancelled, j)
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
