package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
)

// CreateJob stores the job as a Hash and indexes it as active.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("foreman/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return foreman.ErrJobAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, activeKey, jID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("foreman/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job and moves it between
// the active and terminal indexes when the status crossed into a
// terminal state.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("foreman/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return foreman.ErrJobNotFound
	}

	fields := jobToMap(j)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if j.Terminal() {
		pipe.SRem(ctx, activeKey, jID)
		score := float64(time.Now().UTC().UnixMilli())
		if j.FinishedAt != nil {
			score = float64(j.FinishedAt.UnixMilli())
		}
		pipe.ZAdd(ctx, terminalKey, goredis.Z{Score: score, Member: jID})
	} else {
		pipe.SAdd(ctx, activeKey, jID)
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("foreman/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job and its index entries.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("foreman/redis: delete check exists: %w", err)
	}
	if exists == 0 {
		return foreman.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, activeKey, jID)
	pipe.ZRem(ctx, terminalKey, jID)
	if _, err = pipe.Exec(ctx); err != nil {
		return fmt.Errorf("foreman/redis: delete job: %w", err)
	}
	return nil
}

// ListActive returns all non-terminal jobs matching the filter, ordered
// by submission time.
func (s *Store) ListActive(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, activeKey).Result()
	if err != nil {
		return nil, fmt.Errorf("foreman/redis: list active smembers: %w", err)
	}

	result := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // index entry for a reaped record
		}
		if j.Terminal() || !f.Matches(j) {
			continue
		}
		result = append(result, j)
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].SubmittedAt.Before(result[k].SubmittedAt)
	})
	return result, nil
}

// ListTerminal returns terminal jobs that finished within the window,
// ordered by finish time descending. The window translates directly
// into a score range on the terminal index.
func (s *Store) ListTerminal(ctx context.Context, f job.Filter, window time.Duration) ([]*job.Job, error) {
	cutoff := time.Now().UTC().Add(-window).UnixMilli()

	ids, err := s.client.ZRevRangeByScore(ctx, terminalKey, &goredis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("foreman/redis: list terminal zrange: %w", err)
	}

	result := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !f.Matches(j) {
			continue
		}
		result = append(result, j)
	}
	return result, nil
}

// ── helpers ──

func jobToMap(j *job.Job) map[string]interface{} {
	m := map[string]interface{}{
		"id":               j.ID.String(),
		"class":            j.Class,
		"owner":            j.Owner,
		"params":           string(j.Params),
		"status":           string(j.Status),
		"priority":         strconv.Itoa(j.Priority),
		"progress":         strconv.Itoa(j.Progress),
		"result_ref":       j.ResultRef,
		"cancel_requested": strconv.FormatBool(j.CancelRequested),
		"submitted_at":     j.SubmittedAt.Format(time.RFC3339Nano),
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	if j.ETA != nil {
		m["eta"] = j.ETA.Format(time.RFC3339Nano)
	}
	if j.Error != nil {
		m["error"] = marshalJSON(j.Error)
	}
	if !j.RetryOf.IsNil() {
		m["retry_of"] = j.RetryOf.String()
	}
	if !j.RetriedBy.IsNil() {
		m["retried_by"] = j.RetriedBy.String()
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("foreman/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, foreman.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("foreman/redis: parse job id: %w", err)
	}

	priority, _ := strconv.Atoi(m["priority"])        //nolint:errcheck // best-effort parse from trusted Redis data
	progress, _ := strconv.Atoi(m["progress"])        //nolint:errcheck // best-effort parse from trusted Redis data
	cancelReq, _ := strconv.ParseBool(m["cancel_requested"]) //nolint:errcheck // best-effort parse from trusted Redis data

	submittedAt, _ := time.Parse(time.RFC3339Nano, m["submitted_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])     //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: foreman.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              jID,
		Class:           m["class"],
		Owner:           m["owner"],
		Status:          job.Status(m["status"]),
		Priority:        priority,
		Progress:        progress,
		ResultRef:       m["result_ref"],
		CancelRequested: cancelReq,
		SubmittedAt:     submittedAt,
	}

	if v := m["params"]; v != "" {
		j.Params = json.RawMessage(v)
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FinishedAt = &t
	}
	if v := m["eta"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.ETA = &t
	}
	if v := m["error"]; v != "" {
		var f job.Failure
		if uErr := json.Unmarshal([]byte(v), &f); uErr == nil {
			j.Error = &f
		}
	}
	if v := m["retry_of"]; v != "" {
		j.RetryOf, _ = id.ParseJobID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["retried_by"]; v != "" {
		j.RetriedBy, _ = id.ParseJobID(v) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return j, nil
}

// marshalJSON is a helper to marshal to a JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}
