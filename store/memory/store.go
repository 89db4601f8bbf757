// Package memory provides a fully in-memory store backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
)

// Ensure Store implements job.Store at compile time. The aggregate
// store.Store contract is asserted wherever a backend is handed to the
// engine.
var _ job.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Job),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a newly admitted job.
func (m *Store) CreateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return foreman.ErrJobAlreadyExists
	}
	m.jobs[key] = j.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, foreman.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return foreman.ErrJobNotFound
	}
	cp := j.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// DeleteJob removes a job by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return foreman.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListActive returns all non-terminal jobs matching the filter, ordered
// by submission time.
func (m *Store) ListActive(_ context.Context, f job.Filter) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Status.Terminal() {
			continue
		}
		if !f.Matches(j) {
			continue
		}
		result = append(result, j.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].SubmittedAt.Before(result[k].SubmittedAt)
	})
	return result, nil
}

// ListTerminal returns terminal jobs that finished within the window,
// ordered by finish time descending.
func (m *Store) ListTerminal(_ context.Context, f job.Filter, window time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-window)
	result := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if j.FinishedAt == nil || j.FinishedAt.Before(cutoff) {
			continue
		}
		if !f.Matches(j) {
			continue
		}
		result = append(result, j.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].FinishedAt.After(*result[k].FinishedAt)
	})
	return result, nil
}
