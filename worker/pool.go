package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/sched"
)

// Pool manages a set of concurrent worker goroutines consuming
// dispatched leases from the scheduler and executing them through the
// Executor. The scheduler already enforces per-class slot limits; the
// pool size is an additional global bound on concurrent handlers.
type Pool struct {
	executor    *Executor
	leases      <-chan *sched.Lease
	concurrency int
	workerID    id.WorkerID
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewPool creates a worker pool consuming from the given lease channel.
func NewPool(
	executor *Executor,
	leases <-chan *sched.Lease,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		executor:    executor,
		leases:      leases,
		concurrency: 10,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		activeJobs:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.runLoop()
	}
	return nil
}

// Stop waits for workers to finish. Workers exit when the scheduler
// closes the lease channel. If the context expires first, active job
// contexts are cancelled so handlers can stop cooperatively.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

// runLoop is run by each worker goroutine. It exits when the lease
// channel is closed.
func (p *Pool) runLoop() {
	defer p.wg.Done()

	for lease := range p.leases {
		j := lease.Job

		// Wrap the lease context so shutdown can cancel it too.
		ctx, cancel := context.WithCancel(lease.Context())
		p.trackJob(j.ID.String(), cancel)

		p.executor.Execute(ctx, j)

		p.untrackJob(j.ID.String())
		cancel()
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
