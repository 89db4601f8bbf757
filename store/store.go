// Package store defines the aggregate persistence interface. The job
// subsystem defines its own store interface; the composite Store adds
// backend lifecycle on top. Backends: Postgres, Redis, and Memory.
package store

import (
	"context"

	"github.com/docubuild/foreman/job"
)

// Store is the aggregate persistence interface. A single backend
// (postgres, redis, memory) implements the job store plus lifecycle.
//
// Retention of old terminal records is the backend's concern: the
// scheduling core never deletes jobs, it only bounds how far back the
// snapshot query reads.
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
