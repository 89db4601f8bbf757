package sched

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/admission"
	"github.com/docubuild/foreman/ext"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
)

// Lease is a dispatched job handed to a worker. It carries the job
// record and a context that is cancelled when the job is cancelled
// cooperatively; the handler must observe the context and stop within
// the class's grace period.
type Lease struct {
	Job *job.Job
	ctx context.Context
}

// Context returns the per-job cancellation context.
func (l *Lease) Context() context.Context {
	if l.ctx == nil {
		return context.Background()
	}
	return l.ctx
}

// runningJob is the scheduler's bookkeeping for one executing job.
type runningJob struct {
	job      *job.Job
	cancel   context.CancelFunc
	grace    *time.Timer
	lastBeat time.Time
}

// classQueue holds all scheduler state for one class: the priority
// heap of queued jobs and the set of running ones. Each class has its
// own lock so classes never contend with each other.
type classQueue struct {
	cfg foreman.ClassConfig

	mu      sync.Mutex
	heap    priorityHeap
	items   map[string]*queueItem  // queued jobs by ID
	running map[string]*runningJob // running jobs by ID
	seq     uint64

	// rateTimer re-drives dispatch once the class's rate limiter
	// refills. At most one is armed per class.
	rateTimer *time.Timer
}

// Stats reports the current depth of one class.
type Stats struct {
	Class   string `json:"class"`
	Queued  int    `json:"queued"`
	Running int    `json:"running"`
}

// Scheduler dispatches queued jobs into class slots, tracks the
// running set, and drives every state transition after admission.
// It is safe for concurrent use.
type Scheduler struct {
	ctrl   *admission.Controller
	store  job.Store
	hooks  *ext.Registry
	logger *slog.Logger

	classes map[string]*classQueue
	index   sync.Map // job ID string -> class name

	dispatchCh chan *Lease
	sendMu     sync.RWMutex
	stopped    bool

	watchdogInterval time.Duration
	watchdogCancel   context.CancelFunc
	wg               sync.WaitGroup
}

// New creates a scheduler for the configured classes. The dispatch
// channel is sized to the total slot count, so handing a lease to the
// pool never blocks: TryAcquire caps in-flight leases at capacity.
func New(cfg foreman.Config, ctrl *admission.Controller, store job.Store, hooks *ext.Registry, logger *slog.Logger) *Scheduler {
	classes := make(map[string]*classQueue, len(cfg.Classes))
	totalSlots := 0
	for _, cc := range cfg.Classes {
		classes[cc.Name] = &classQueue{
			cfg:     cc,
			items:   make(map[string]*queueItem),
			running: make(map[string]*runningJob),
		}
		totalSlots += cc.Slots
	}
	return &Scheduler{
		ctrl:             ctrl,
		store:            store,
		hooks:            hooks,
		logger:           logger,
		classes:          classes,
		dispatchCh:       make(chan *Lease, totalSlots),
		watchdogInterval: cfg.WatchdogInterval,
	}
}

// Dispatched returns the channel the worker pool consumes leases from.
// It is closed on Stop.
func (s *Scheduler) Dispatched() <-chan *Lease { return s.dispatchCh }

// Start launches the liveness watchdog.
func (s *Scheduler) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.watchdogCancel = cancel
	s.wg.Add(1)
	go s.watchdogLoop(wctx)
	s.logger.Info("scheduler started",
		slog.Int("classes", len(s.classes)),
		slog.Int("dispatch_capacity", cap(s.dispatchCh)),
	)
	return nil
}

// Stop halts the watchdog and closes the dispatch channel. Running
// jobs are left to finish; the engine coordinates draining.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.sendMu.Lock()
	if s.stopped {
		s.sendMu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.dispatchCh)
	s.sendMu.Unlock()

	if s.watchdogCancel != nil {
		s.watchdogCancel()
	}
	for _, cq := range s.classes {
		cq.mu.Lock()
		if cq.rateTimer != nil {
			cq.rateTimer.Stop()
			cq.rateTimer = nil
		}
		cq.mu.Unlock()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

// ──────────────────────────────────────────────────
// Submission and dispatch
// ──────────────────────────────────────────────────

// Submit admits a queued job into its class queue and persists it.
// Returns ErrClassUnknown or ErrAdmissionRejected without side effects
// when admission denies it. Dispatch happens immediately if a slot is
// free.
func (s *Scheduler) Submit(ctx context.Context, j *job.Job) error {
	cq, ok := s.classes[j.Class]
	if !ok {
		return foreman.ErrClassUnknown
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()

	if err := s.ctrl.Admit(j.Class); err != nil {
		return err
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		s.ctrl.Forget(j.Class)
		return err
	}

	cq.seq++
	it := &queueItem{job: j, seq: cq.seq}
	heap.Push(&cq.heap, it)
	cq.items[j.ID.String()] = it
	s.index.Store(j.ID.String(), j.Class)

	s.hooks.EmitJobQueued(ctx, j.Clone())
	s.logger.Info("job queued",
		slog.String("job_id", j.ID.String()),
		slog.String("class", j.Class),
		slog.Int("priority", j.Priority),
	)

	s.maybeDispatchLocked(cq)
	return nil
}

// maybeDispatchLocked pops queued jobs into free slots. When the rate
// limiter is what stopped dispatch, a timer re-drives it as soon as
// the next token arrives; slot exhaustion needs no timer because every
// terminal transition calls back in here. Must be called with cq.mu
// held.
func (s *Scheduler) maybeDispatchLocked(cq *classQueue) {
	for cq.heap.Len() > 0 {
		ok, retryAfter := s.ctrl.TryAcquire(cq.cfg.Name)
		if !ok {
			if retryAfter > 0 && cq.rateTimer == nil {
				cq.rateTimer = time.AfterFunc(retryAfter, func() { s.retryDispatch(cq) })
			}
			return
		}
		it := heap.Pop(&cq.heap).(*queueItem)
		delete(cq.items, it.job.ID.String())

		j := it.job
		now := time.Now().UTC()
		j.Start(now)

		jctx, cancel := context.WithCancel(context.Background())
		cq.running[j.ID.String()] = &runningJob{
			job:      j,
			cancel:   cancel,
			lastBeat: now,
		}

		if err := s.store.UpdateJob(context.Background(), j); err != nil {
			s.logger.Error("persist job start",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		s.hooks.EmitJobStarted(context.Background(), j.Clone())
		s.logger.Info("job dispatched",
			slog.String("job_id", j.ID.String()),
			slog.String("class", j.Class),
		)

		s.send(&Lease{Job: j.Clone(), ctx: jctx})
	}
}

// retryDispatch is the rate-limit timer callback.
func (s *Scheduler) retryDispatch(cq *classQueue) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	cq.rateTimer = nil
	s.maybeDispatchLocked(cq)
}

// send delivers a lease unless the scheduler has stopped. The channel
// has capacity for every slot, so this never blocks.
func (s *Scheduler) send(l *Lease) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.stopped {
		return
	}
	s.dispatchCh <- l
}

// ──────────────────────────────────────────────────
// Cancellation
// ──────────────────────────────────────────────────

// Cancel cancels a job. Queued jobs leave the queue immediately and
// never run. Running jobs get their context cancelled and the class's
// grace period to stop cooperatively; if the handler does not finish
// in time the job is force-marked cancelled and its slot reclaimed.
// Cancel against an already-terminal or already-cancelling job is an
// idempotent no-op that returns the current record.
func (s *Scheduler) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	class, ok := s.index.Load(jobID.String())
	if !ok {
		// Not tracked: either unknown or already terminal.
		j, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	cq := s.classes[class.(string)]

	cq.mu.Lock()
	defer cq.mu.Unlock()

	key := jobID.String()
	if it, queued := cq.items[key]; queued {
		heap.Remove(&cq.heap, it.index)
		delete(cq.items, key)
		s.index.Delete(key)
		s.ctrl.Forget(cq.cfg.Name)

		j := it.job
		j.Cancel(time.Now().UTC())
		if err := s.store.UpdateJob(ctx, j); err != nil {
			s.logger.Error("persist queued cancel",
				slog.String("job_id", key),
				slog.String("error", err.Error()),
			)
		}
		s.hooks.EmitJobCancelled(ctx, j.Clone())
		s.logger.Info("job cancelled before dispatch", slog.String("job_id", key))
		return j.Clone(), nil
	}

	r, running := cq.running[key]
	if !running {
		// Raced with a terminal transition; return what the store has.
		j, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return j, nil
	}

	j := r.job
	if j.CancelRequested {
		return j.Clone(), nil
	}
	j.CancelRequested = true
	j.Touch()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("persist cancel request",
			slog.String("job_id", key),
			slog.String("error", err.Error()),
		)
	}

	r.cancel()
	grace := cq.cfg.CancelGrace
	if grace <= 0 {
		// No grace configured: reclaim the slot right away rather than
		// waiting on a handler that may never look at its context.
		s.forceCancelLocked(cq, jobID)
		return j.Clone(), nil
	}
	r.grace = time.AfterFunc(grace, func() { s.forceCancel(cq, jobID) })
	s.logger.Info("job cancel requested",
		slog.String("job_id", key),
		slog.Duration("grace", grace),
	)
	return j.Clone(), nil
}

// forceCancel finalizes a running job whose handler ignored the cancel
// context past the grace period. The slot is reclaimed; any later
// terminal report from the handler is discarded.
func (s *Scheduler) forceCancel(cq *classQueue, jobID id.JobID) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	s.forceCancelLocked(cq, jobID)
}

// forceCancelLocked is forceCancel with cq.mu already held, shared by
// the grace timer and the zero-grace cancel path.
func (s *Scheduler) forceCancelLocked(cq *classQueue, jobID id.JobID) {
	key := jobID.String()
	r, ok := cq.running[key]
	if !ok {
		return // finished cooperatively in time
	}

	j := r.job
	j.Cancel(time.Now().UTC())
	delete(cq.running, key)
	s.index.Delete(key)

	ctx := context.Background()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("persist forced cancel",
			slog.String("job_id", key),
			slog.String("error", err.Error()),
		)
	}
	s.ctrl.Release(cq.cfg.Name)
	s.hooks.EmitJobCancelled(ctx, j.Clone())
	s.logger.Warn("job force-cancelled",
		slog.String("job_id", key),
		slog.String("class", cq.cfg.Name),
	)

	s.maybeDispatchLocked(cq)
}

// ──────────────────────────────────────────────────
// Reprioritization
// ──────────────────────────────────────────────────

// Reprioritize changes a queued job's priority and re-sorts its class
// queue. Jobs that have already been dispatched keep their slot:
// anything not in queued state returns ErrInvalidTransition.
func (s *Scheduler) Reprioritize(ctx context.Context, jobID id.JobID, priority int) (*job.Job, error) {
	class, ok := s.index.Load(jobID.String())
	if !ok {
		if _, err := s.store.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, foreman.ErrInvalidTransition
	}
	cq := s.classes[class.(string)]

	cq.mu.Lock()
	defer cq.mu.Unlock()

	it, queued := cq.items[jobID.String()]
	if !queued {
		return nil, foreman.ErrInvalidTransition
	}

	j := it.job
	old := j.Priority
	if !j.Reprioritize(priority) {
		return nil, foreman.ErrInvalidTransition
	}
	heap.Fix(&cq.heap, it.index)

	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("persist reprioritize",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
	s.hooks.EmitJobReprioritized(ctx, j.Clone(), old)
	s.logger.Info("job reprioritized",
		slog.String("job_id", jobID.String()),
		slog.Int("old_priority", old),
		slog.Int("new_priority", priority),
	)
	return j.Clone(), nil
}

// ──────────────────────────────────────────────────
// Worker callbacks
// ──────────────────────────────────────────────────

// ReportProgress applies a progress update from a handler. Any report,
// applied or absorbed by the monotonicity guard, counts as a liveness
// heartbeat. Reports against jobs that are no longer running are
// silently discarded.
func (s *Scheduler) ReportProgress(ctx context.Context, jobID id.JobID, progress int) {
	class, ok := s.index.Load(jobID.String())
	if !ok {
		return
	}
	cq := s.classes[class.(string)]

	cq.mu.Lock()
	defer cq.mu.Unlock()

	r, running := cq.running[jobID.String()]
	if !running {
		return
	}
	now := time.Now().UTC()
	r.lastBeat = now

	if !r.job.RecordProgress(progress, now) {
		return
	}
	if err := s.store.UpdateJob(ctx, r.job); err != nil {
		s.logger.Error("persist progress",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
	s.hooks.EmitJobProgress(ctx, r.job.Clone())
}

// ReportTerminal applies a terminal outcome from a handler. Late
// reports — after a watchdog timeout or forced cancellation already
// finalized the job — are discarded; the first terminal transition
// wins and the record never changes again.
func (s *Scheduler) ReportTerminal(ctx context.Context, jobID id.JobID, status job.Status, resultRef string, failure *job.Failure) {
	class, ok := s.index.Load(jobID.String())
	if !ok {
		return
	}
	cq := s.classes[class.(string)]

	cq.mu.Lock()
	defer cq.mu.Unlock()

	key := jobID.String()
	r, running := cq.running[key]
	if !running {
		return
	}
	if r.grace != nil {
		r.grace.Stop()
	}

	j := r.job
	now := time.Now().UTC()
	var applied bool
	switch status {
	case job.StatusCompleted:
		applied = j.Complete(resultRef, now)
	case job.StatusFailed:
		applied = j.Fail(failure, now)
	case job.StatusCancelled:
		applied = j.Cancel(now)
	default:
		s.logger.Error("non-terminal status reported",
			slog.String("job_id", key),
			slog.String("status", string(status)),
		)
		return
	}
	if !applied {
		return
	}

	delete(cq.running, key)
	s.index.Delete(key)
	r.cancel()

	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("persist terminal transition",
			slog.String("job_id", key),
			slog.String("error", err.Error()),
		)
	}
	s.ctrl.Release(cq.cfg.Name)

	switch j.Status {
	case job.StatusCompleted:
		elapsed := time.Duration(0)
		if j.StartedAt != nil {
			elapsed = j.FinishedAt.Sub(*j.StartedAt)
		}
		s.hooks.EmitJobCompleted(ctx, j.Clone(), elapsed)
	case job.StatusFailed:
		s.hooks.EmitJobFailed(ctx, j.Clone())
	case job.StatusCancelled:
		s.hooks.EmitJobCancelled(ctx, j.Clone())
	}
	s.logger.Info("job finished",
		slog.String("job_id", key),
		slog.String("class", cq.cfg.Name),
		slog.String("status", string(j.Status)),
	)

	s.maybeDispatchLocked(cq)
}

// ──────────────────────────────────────────────────
// Liveness watchdog
// ──────────────────────────────────────────────────

func (s *Scheduler) watchdogLoop(ctx context.Context) {
	defer s.wg.Done()

	interval := s.watchdogInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStalled()
		}
	}
}

// sweepStalled fails running jobs whose last heartbeat is older than
// their class's liveness deadline.
func (s *Scheduler) sweepStalled() {
	now := time.Now().UTC()
	for _, cq := range s.classes {
		deadline := cq.cfg.LivenessDeadline
		if deadline <= 0 {
			continue
		}

		cq.mu.Lock()
		var stalled []*runningJob
		for _, r := range cq.running {
			if now.Sub(r.lastBeat) > deadline {
				stalled = append(stalled, r)
			}
		}
		for _, r := range stalled {
			s.failStalledLocked(cq, r, now)
		}
		if len(stalled) > 0 {
			s.maybeDispatchLocked(cq)
		}
		cq.mu.Unlock()
	}
}

// failStalledLocked finalizes one stalled job as timed out. Must be
// called with cq.mu held.
func (s *Scheduler) failStalledLocked(cq *classQueue, r *runningJob, now time.Time) {
	j := r.job
	key := j.ID.String()

	if !j.Fail(&job.Failure{
		Reason:  job.ReasonWorkerTimeout,
		Message: "no progress within liveness deadline",
	}, now) {
		return
	}
	if r.grace != nil {
		r.grace.Stop()
	}
	r.cancel()
	delete(cq.running, key)
	s.index.Delete(key)

	ctx := context.Background()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		s.logger.Error("persist watchdog failure",
			slog.String("job_id", key),
			slog.String("error", err.Error()),
		)
	}
	s.ctrl.Release(cq.cfg.Name)
	s.hooks.EmitJobFailed(ctx, j.Clone())
	s.logger.Warn("job failed liveness check",
		slog.String("job_id", key),
		slog.String("class", cq.cfg.Name),
		slog.Duration("deadline", cq.cfg.LivenessDeadline),
	)
}

// ──────────────────────────────────────────────────
// Introspection
// ──────────────────────────────────────────────────

// Stats returns current queue depths for every class.
func (s *Scheduler) Stats() []Stats {
	out := make([]Stats, 0, len(s.classes))
	for name := range s.classes {
		queued, running := s.ctrl.Counts(name)
		out = append(out, Stats{Class: name, Queued: queued, Running: running})
	}
	return out
}
