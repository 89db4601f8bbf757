package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
)

const jobColumns = `
	id, class, owner, params, status, priority, progress,
	result_ref, error, retry_of, retried_by, cancel_requested,
	submitted_at, started_at, finished_at, eta, created_at, updated_at`

// CreateJob persists a newly admitted job.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	errJSON, err := marshalFailure(j.Error)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO foreman_jobs (
			id, class, owner, params, status, priority, progress,
			result_ref, error, retry_of, retried_by, cancel_requested,
			submitted_at, started_at, finished_at, eta, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18
		)`,
		j.ID.String(), j.Class, j.Owner, j.Params, string(j.Status),
		j.Priority, j.Progress,
		j.ResultRef, errJSON, j.RetryOf, j.RetriedBy, j.CancelRequested,
		j.SubmittedAt, j.StartedAt, j.FinishedAt, j.ETA,
		j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return foreman.ErrJobAlreadyExists
		}
		return fmt.Errorf("foreman/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT`+jobColumns+` FROM foreman_jobs WHERE id = $1`,
		jobID.String(),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, foreman.ErrJobNotFound
		}
		return nil, fmt.Errorf("foreman/postgres: get job: %w", err)
	}
	return j, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	errJSON, err := marshalFailure(j.Error)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE foreman_jobs SET
			class = $2, owner = $3, params = $4, status = $5,
			priority = $6, progress = $7, result_ref = $8, error = $9,
			retry_of = $10, retried_by = $11, cancel_requested = $12,
			submitted_at = $13, started_at = $14, finished_at = $15,
			eta = $16, updated_at = NOW()
		WHERE id = $1`,
		j.ID.String(), j.Class, j.Owner, j.Params, string(j.Status),
		j.Priority, j.Progress, j.ResultRef, errJSON,
		j.RetryOf, j.RetriedBy, j.CancelRequested,
		j.SubmittedAt, j.StartedAt, j.FinishedAt, j.ETA,
	)
	if err != nil {
		return fmt.Errorf("foreman/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return foreman.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM foreman_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("foreman/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return foreman.ErrJobNotFound
	}
	return nil
}

// ListActive returns all non-terminal jobs matching the filter, ordered
// by submission time.
func (s *Store) ListActive(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM foreman_jobs
		WHERE status IN ('queued', 'running')`
	query, args := applyFilter(query, nil, f)
	query += " ORDER BY submitted_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("foreman/postgres: list active: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListTerminal returns terminal jobs that finished within the window,
// ordered by finish time descending.
func (s *Store) ListTerminal(ctx context.Context, f job.Filter, window time.Duration) ([]*job.Job, error) {
	query := `SELECT` + jobColumns + `
		FROM foreman_jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		  AND finished_at >= NOW() - $1::interval`
	query, args := applyFilter(query, []interface{}{window.String()}, f)
	query += " ORDER BY finished_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("foreman/postgres: list terminal: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// applyFilter appends class/owner predicates to the query.
func applyFilter(query string, args []interface{}, f job.Filter) (string, []interface{}) {
	if f.Class != "" {
		args = append(args, f.Class)
		query += fmt.Sprintf(" AND class = $%d", len(args))
	}
	if f.Owner != "" {
		args = append(args, f.Owner)
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	return query, args
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		idStr     string
		statusStr string
		errJSON   []byte
	)
	err := row.Scan(
		&idStr, &j.Class, &j.Owner, &j.Params, &statusStr,
		&j.Priority, &j.Progress,
		&j.ResultRef, &errJSON, &j.RetryOf, &j.RetriedBy, &j.CancelRequested,
		&j.SubmittedAt, &j.StartedAt, &j.FinishedAt, &j.ETA,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.Status = job.Status(statusStr)

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("foreman/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if len(errJSON) > 0 {
		var f job.Failure
		if uErr := json.Unmarshal(errJSON, &f); uErr != nil {
			return nil, fmt.Errorf("foreman/postgres: decode failure: %w", uErr)
		}
		j.Error = &f
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("foreman/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("foreman/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}

// marshalFailure serializes a structured failure for the JSONB column.
// Returns nil for no failure so the column stores NULL.
func marshalFailure(f *job.Failure) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("foreman/postgres: encode failure: %w", err)
	}
	return data, nil
}
