// Package engine wires all Foreman subsystems together: admission
// controller, priority scheduler, worker pool, stream broker, and the
// extension registry. It exposes the operations an admin surface
// drives — submit, cancel, retry, reprioritize, snapshot, subscribe.
//
// This package sits above all subsystem packages and below the
// application layer; the root foreman package defines the shared types
// (Config, Entity, errors) and so cannot import the subsystems back.
//
//	eng, err := engine.Build(cfg, memory.New())
//	engine.Register(eng, &job.Definition[ConvertParams]{
//	    Class:   "convert",
//	    Handler: convertDocument,
//	})
//	if err := eng.Start(ctx); err != nil { ... }
//	j, err := engine.Submit(ctx, eng, "convert", "alice", params)
package engine
