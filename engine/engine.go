package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/admission"
	"github.com/docubuild/foreman/ext"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	mw "github.com/docubuild/foreman/middleware"
	"github.com/docubuild/foreman/sched"
	"github.com/docubuild/foreman/store"
	"github.com/docubuild/foreman/stream"
	"github.com/docubuild/foreman/worker"
)

// Engine is the assembled scheduling core.
// Use Build() to create one.
type Engine struct {
	cfg      foreman.Config
	store    store.Store
	registry *job.Registry
	hooks    *ext.Registry
	ctrl     *admission.Controller
	sched    *sched.Scheduler
	broker   *stream.Broker
	pool     *worker.Pool
	mws      []mw.Middleware
	logger   *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog text output on
// stderr.
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = logger }
}

// WithExtension registers an extension with the engine.
// The stream broker is always registered first.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.hooks.Register(e)
	}
}

// WithMiddleware appends middleware to the execution chain, after the
// default recover/tracing/metrics/logging stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build assembles an Engine over the given store.
func Build(cfg foreman.Config, st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, foreman.ErrNoStore
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine{
		cfg:      cfg,
		store:    st,
		registry: job.NewRegistry(),
		logger:   slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}

	// The hook registry needs the logger, so resolve logger options
	// before creating it and let WithExtension register afterwards.
	for _, opt := range opts {
		if eng.hooks == nil {
			eng.hooks = ext.NewRegistry(eng.logger)
		}
		opt(eng)
	}
	if eng.hooks == nil {
		eng.hooks = ext.NewRegistry(eng.logger)
	}

	// The broker is itself an extension: every lifecycle event fans
	// out to connected observers as a full job snapshot.
	eng.broker = stream.NewBroker(st, eng.logger,
		stream.WithSnapshotWindow(cfg.SnapshotWindow),
	)
	eng.hooks.Register(eng.broker)

	eng.ctrl = admission.NewController(cfg.Classes...)
	eng.sched = sched.New(cfg, eng.ctrl, st, eng.hooks, eng.logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/docubuild/foreman")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/docubuild/foreman")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, eng.sched, eng.logger, allMws...)
	eng.pool = worker.NewPool(executor, eng.sched.Dispatched(), eng.logger,
		worker.WithPoolConcurrency(cfg.PoolSize),
	)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// ──────────────────────────────────────────────────
// Operations
// ──────────────────────────────────────────────────

// Submit admits a new job. Returns ErrClassUnknown for unconfigured
// classes and ErrAdmissionRejected when the class queue is full —
// the caller surfaces the latter as "try again later".
func Submit[T any](ctx context.Context, eng *Engine, class, owner string, params T, opts ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for class %q: %w", class, err)
	}
	return eng.SubmitRaw(ctx, class, owner, data, opts...)
}

// SubmitRaw admits a job with a pre-serialized parameter payload.
func (eng *Engine) SubmitRaw(ctx context.Context, class, owner string, params json.RawMessage, opts ...job.Option) (*job.Job, error) {
	cc, ok := eng.cfg.Class(class)
	if !ok {
		return nil, foreman.ErrClassUnknown
	}

	jobOpts := job.Options{}
	for _, opt := range opts {
		opt(&jobOpts)
	}
	priority := cc.DefaultPriority
	if jobOpts.PrioritySet() {
		priority = jobOpts.Priority
	}

	j := &job.Job{
		Entity:      foreman.NewEntity(),
		ID:          id.NewJobID(),
		Class:       class,
		Owner:       owner,
		Priority:    priority,
		Params:      params,
		Status:      job.StatusQueued,
		SubmittedAt: time.Now().UTC(),
		RetryOf:     jobOpts.RetryOf,
	}

	if err := eng.sched.Submit(ctx, j); err != nil {
		return nil, err
	}
	return j.Clone(), nil
}

// Get returns the authoritative record for one job.
func (eng *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// Cancel cancels a job: queued jobs never run, running jobs get their
// context cancelled and the class grace period to stop. Cancelling a
// terminal job is an idempotent no-op.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.sched.Cancel(ctx, jobID)
}

// Reprioritize changes a queued job's priority. Jobs that have already
// been dispatched return ErrInvalidTransition.
func (eng *Engine) Reprioritize(ctx context.Context, jobID id.JobID, priority int) (*job.Job, error) {
	return eng.sched.Reprioritize(ctx, jobID, priority)
}

// Retry submits a fresh job derived from a failed one: same class,
// owner, and parameters, linked to its predecessor through RetryOf.
// The failed record itself never mutates back to an active state; it
// only gains the RetriedBy back-reference.
func (eng *Engine) Retry(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	prev, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if prev.Status != job.StatusFailed {
		return nil, foreman.ErrInvalidTransition
	}

	retry, err := eng.SubmitRaw(ctx, prev.Class, prev.Owner, prev.Params,
		job.WithPriority(prev.Priority),
		job.WithRetryOf(prev.ID),
	)
	if err != nil {
		return nil, err
	}

	prev.RetriedBy = retry.ID
	prev.Touch()
	if uerr := eng.store.UpdateJob(ctx, prev); uerr != nil {
		eng.logger.Warn("persist retry back-reference",
			slog.String("job_id", prev.ID.String()),
			slog.String("error", uerr.Error()),
		)
	}
	return retry, nil
}

// Snapshot answers the pull query: all active jobs plus terminal jobs
// within the configured window, optionally filtered by class or owner.
func (eng *Engine) Snapshot(ctx context.Context, f job.Filter) (*stream.Snapshot, error) {
	return eng.broker.Snapshot(ctx, f)
}

// Subscribe attaches a push observer to the given topics.
func (eng *Engine) Subscribe(subscriberID string, topics ...string) *stream.Subscriber {
	return eng.broker.Subscribe(subscriberID, topics...)
}

// Stats returns per-class queue depths.
func (eng *Engine) Stats() []sched.Stats { return eng.sched.Stats() }

// Broker returns the stream broker for wire-level integration.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Registry returns the job handler registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.hooks }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start launches the scheduler watchdog and the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	if err := eng.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	eng.logger.Info("engine started",
		slog.Int("classes", len(eng.cfg.Classes)),
		slog.Int("pool_size", eng.cfg.PoolSize),
	)
	return nil
}

// Stop gracefully shuts down: the scheduler stops dispatching, the
// pool drains within the shutdown timeout, then extensions are
// notified. The store stays open — the caller owns it.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.sched.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}

	timeout := eng.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := eng.pool.Stop(pctx); err != nil {
		eng.logger.Error("pool stop error", slog.String("error", err.Error()))
	}

	eng.hooks.EmitShutdown(ctx)
	eng.logger.Info("engine stopped")
	return nil
}
