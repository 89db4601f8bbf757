package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docubuild/foreman/backoff"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/stream"
)

// Source serves the pull snapshot query.
type Source interface {
	Snapshot(ctx context.Context, f job.Filter) (*stream.Snapshot, error)
}

// Commander sends authoritative job commands to the server.
type Commander interface {
	Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error)
	Retry(ctx context.Context, jobID id.JobID) (*job.Job, error)
	Reprioritize(ctx context.Context, jobID id.JobID, priority int) (*job.Job, error)
}

// Feed is a live event subscription.
type Feed interface {
	// C returns the event channel. It is closed on disconnect.
	C() <-chan *stream.Event

	// Close tears down the subscription.
	Close() error
}

// Connector establishes the push feed.
type Connector interface {
	Connect(ctx context.Context) (Feed, error)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPollInterval sets how often the reconciler polls the snapshot
// query while the push feed is down.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithBackoff sets the reconnect pacing strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(r *Reconciler) { r.backoff = s }
}

// WithFilter narrows the mirror to one class and/or owner.
func WithFilter(f job.Filter) Option {
	return func(r *Reconciler) { r.filter = f }
}

// WithOnChange registers a callback invoked after every mirror change,
// for UI invalidation. Called from the reconciler's goroutine.
func WithOnChange(fn func()) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

// Reconciler converges a local job mirror on server state.
// All state accessors are safe for concurrent use.
type Reconciler struct {
	source    Source
	commander Commander
	connector Connector
	logger    *slog.Logger

	filter       job.Filter
	pollInterval time.Duration
	backoff      backoff.Strategy
	onChange     func()

	mu        sync.RWMutex
	active    map[string]*job.Job
	completed map[string]*job.Job
	syncedAt  time.Time
}

// New creates a reconciler. Run must be called to start convergence.
func New(source Source, commander Commander, connector Connector, logger *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:       source,
		commander:    commander,
		connector:    connector,
		logger:       logger,
		pollInterval: 5 * time.Second,
		backoff:      backoff.DefaultStrategy(),
		active:       make(map[string]*job.Job),
		completed:    make(map[string]*job.Job),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ──────────────────────────────────────────────────
// State access
// ──────────────────────────────────────────────────

// Active returns a copy of all queued and running jobs in the mirror.
func (r *Reconciler) Active() []*job.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*job.Job, 0, len(r.active))
	for _, j := range r.active {
		out = append(out, j.Clone())
	}
	return out
}

// Completed returns a copy of all terminal jobs in the mirror.
func (r *Reconciler) Completed() []*job.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*job.Job, 0, len(r.completed))
	for _, j := range r.completed {
		out = append(out, j.Clone())
	}
	return out
}

// Get returns one job from the mirror, active or completed.
func (r *Reconciler) Get(jobID id.JobID) (*job.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := jobID.String()
	if j, ok := r.active[key]; ok {
		return j.Clone(), true
	}
	if j, ok := r.completed[key]; ok {
		return j.Clone(), true
	}
	return nil, false
}

// SyncedAt returns when the mirror last converged on a snapshot.
func (r *Reconciler) SyncedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.syncedAt
}

// ──────────────────────────────────────────────────
// Convergence
// ──────────────────────────────────────────────────

// Apply upserts one event's job record into the mirror. The record in
// the event is authoritative: it overwrites whatever the mirror holds,
// including optimistic local guesses. Terminal records move from the
// active map to the completed map; re-applying a terminal event is an
// idempotent no-op in effect.
func (r *Reconciler) Apply(evt *stream.Event) {
	if evt == nil || evt.Job == nil {
		return
	}
	r.mu.Lock()
	r.upsertLocked(evt.Job)
	r.mu.Unlock()
	r.changed()
}

// upsertLocked places one authoritative record in the right map.
func (r *Reconciler) upsertLocked(j *job.Job) {
	key := j.ID.String()
	if j.Status.Terminal() {
		delete(r.active, key)
		r.completed[key] = j.Clone()
		return
	}
	delete(r.completed, key)
	r.active[key] = j.Clone()
}

// Resync replaces the mirror with a fresh snapshot.
func (r *Reconciler) Resync(ctx context.Context) error {
	snap, err := r.source.Snapshot(ctx, r.filter)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.active = make(map[string]*job.Job, len(snap.Active))
	for _, j := range snap.Active {
		r.active[j.ID.String()] = j.Clone()
	}
	r.completed = make(map[string]*job.Job, len(snap.Completed))
	for _, j := range snap.Completed {
		r.completed[j.ID.String()] = j.Clone()
	}
	r.syncedAt = snap.TakenAt
	r.mu.Unlock()

	r.changed()
	r.logger.Debug("mirror resynced",
		slog.Int("active", len(snap.Active)),
		slog.Int("completed", len(snap.Completed)),
	)
	return nil
}

// Run drives convergence until the context is cancelled: connect the
// push feed, resync, consume events; on disconnect fall back to
// snapshot polling while reconnecting with backoff.
func (r *Reconciler) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		feed, err := r.connector.Connect(ctx)
		if err != nil {
			attempt++
			r.logger.Warn("feed connect failed, polling",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			// Poll fallback: stale data beats no data.
			if perr := r.Resync(ctx); perr != nil {
				r.logger.Warn("poll resync failed", slog.String("error", perr.Error()))
			}
			if !r.sleep(ctx, r.retryDelay(attempt)) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		// A fresh snapshot closes any gap from the disconnected period.
		if err := r.Resync(ctx); err != nil {
			r.logger.Warn("resync after connect failed", slog.String("error", err.Error()))
		}

		r.consume(ctx, feed)
		_ = feed.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Info("feed disconnected, reconnecting")
	}
}

// consume applies feed events until the feed closes or the context is
// cancelled.
func (r *Reconciler) consume(ctx context.Context, feed Feed) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-feed.C():
			if !ok {
				return
			}
			r.Apply(evt)
		}
	}
}

// retryDelay caps the poll fallback cadence at the poll interval so a
// long outage still refreshes the mirror regularly.
func (r *Reconciler) retryDelay(attempt int) time.Duration {
	d := r.backoff.Delay(attempt)
	if d > r.pollInterval {
		return r.pollInterval
	}
	return d
}

func (r *Reconciler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}

// ──────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────

// Cancel requests cancellation. The mirror is patched optimistically
// so the UI reflects the request immediately; the server's record
// overwrites the guess when it answers or the next event arrives.
func (r *Reconciler) Cancel(ctx context.Context, jobID id.JobID) error {
	r.mu.Lock()
	if j, ok := r.active[jobID.String()]; ok {
		j.CancelRequested = true
	}
	r.mu.Unlock()
	r.changed()

	j, err := r.commander.Cancel(ctx, jobID)
	if err != nil {
		return err
	}
	if j != nil {
		r.mu.Lock()
		r.upsertLocked(j)
		r.mu.Unlock()
		r.changed()
	}
	return nil
}

// Reprioritize changes a queued job's priority, optimistically first.
func (r *Reconciler) Reprioritize(ctx context.Context, jobID id.JobID, priority int) error {
	r.mu.Lock()
	var prev int
	patched := false
	if j, ok := r.active[jobID.String()]; ok && j.Status == job.StatusQueued {
		prev = j.Priority
		j.Priority = priority
		patched = true
	}
	r.mu.Unlock()
	r.changed()

	j, err := r.commander.Reprioritize(ctx, jobID, priority)
	if err != nil {
		// Roll the guess back; the server rejected the command.
		if patched {
			r.mu.Lock()
			if cur, ok := r.active[jobID.String()]; ok {
				cur.Priority = prev
			}
			r.mu.Unlock()
			r.changed()
		}
		return err
	}
	if j != nil {
		r.mu.Lock()
		r.upsertLocked(j)
		r.mu.Unlock()
		r.changed()
	}
	return nil
}

// Retry submits a retry of a failed job. The new job record returned
// by the server joins the mirror immediately.
func (r *Reconciler) Retry(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := r.commander.Retry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j != nil {
		r.mu.Lock()
		r.upsertLocked(j)
		r.mu.Unlock()
		r.changed()
	}
	return j, nil
}
