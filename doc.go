// Package foreman provides the job admission, scheduling, and
// status-reconciliation core for long-running document-processing jobs.
// It accepts requests to run long operations, decides whether and when
// they run, tracks their lifecycle, and keeps every observer consistent
// with that lifecycle despite an unreliable push channel.
//
// Foreman is designed as a library, not a service. Import it, configure
// a store, register handlers for your job classes, and drive the engine.
//
// # Quick Start
//
//	eng, err := engine.Build(foreman.DefaultConfig(), memory.New())
//	engine.Register(eng, &job.Definition[ReportParams]{
//	    Class:   "report",
//	    Handler: generateReport,
//	})
//	j, err := engine.Submit(ctx, eng, "report", "alice", params)
//
// # Architecture
//
// Submissions pass through an admission controller that enforces
// per-class queue-depth backpressure, then into a per-class priority
// queue ordered by (priority desc, arrival asc). A worker pool pulls
// dispatched jobs and reports progress and terminal outcomes back
// through a narrow callback interface. Every state transition fans out
// to observers as a full-snapshot push event; a pull snapshot query and
// a per-observer reconciler upgrade delivery from best-effort to
// eventually consistent.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package foreman
