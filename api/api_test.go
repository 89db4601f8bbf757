package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/engine"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/store/memory"
	"github.com/docubuild/foreman/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() foreman.Config {
	return foreman.Config{
		Classes: []foreman.ClassConfig{
			{
				Name:             "convert",
				Slots:            2,
				QueueDepth:       8,
				DefaultPriority:  5,
				LivenessDeadline: time.Minute,
				CancelGrace:      50 * time.Millisecond,
			},
		},
		PoolSize:         2,
		WatchdogInterval: time.Minute,
		SnapshotWindow:   time.Hour,
		ShutdownTimeout:  time.Second,
	}
}

// newTestAPI builds a router over an engine that is never started.
// The dispatch channel absorbs the first submissions (one per slot),
// so everything beyond that sits queued — deterministic for tests.
func newTestAPI(t *testing.T) (*gin.Engine, *engine.Engine) {
	t.Helper()
	eng, err := engine.Build(testConfig(), memory.New(), engine.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return New(eng, testLogger()).Router(), eng
}

func doRequest(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) *job.Job {
	t.Helper()
	var j job.Job
	if err := json.Unmarshal(w.Body.Bytes(), &j); err != nil {
		t.Fatalf("decode job response: %v\nbody: %s", err, w.Body.String())
	}
	return &j
}

func submitJob(t *testing.T, r *gin.Engine, owner string) *job.Job {
	t.Helper()
	w := doRequest(t, r, http.MethodPost, "/v1/jobs", SubmitJobRequest{
		Class:  "convert",
		Owner:  owner,
		Params: json.RawMessage(`{"document":"plans.pdf"}`),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body: %s", w.Code, w.Body.String())
	}
	return decodeJob(t, w)
}

func TestSubmitJob(t *testing.T) {
	r, _ := newTestAPI(t)

	j := submitJob(t, r, "alice")
	if j.Class != "convert" || j.Owner != "alice" {
		t.Fatalf("job = %+v", j)
	}
	if j.Priority != 5 {
		t.Errorf("priority = %d, want class default 5", j.Priority)
	}
}

func TestSubmitJob_ExplicitPriority(t *testing.T) {
	r, _ := newTestAPI(t)

	p := 9
	w := doRequest(t, r, http.MethodPost, "/v1/jobs", SubmitJobRequest{
		Class: "convert", Owner: "alice", Priority: &p,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d", w.Code)
	}
	if j := decodeJob(t, w); j.Priority != 9 {
		t.Errorf("priority = %d, want 9", j.Priority)
	}
}

func TestSubmitJob_UnknownClass(t *testing.T) {
	r, _ := newTestAPI(t)

	w := doRequest(t, r, http.MethodPost, "/v1/jobs", SubmitJobRequest{
		Class: "transmute", Owner: "alice",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSubmitJob_InvalidBody(t *testing.T) {
	r, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader([]byte(`{not json`)))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSubmitJob_Backpressure(t *testing.T) {
	r, _ := newTestAPI(t)

	// 2 absorbed by the dispatch channel, 8 fill the queue.
	for i := 0; i < 10; i++ {
		submitJob(t, r, "alice")
	}
	w := doRequest(t, r, http.MethodPost, "/v1/jobs", SubmitJobRequest{
		Class: "convert", Owner: "alice",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestGetJob(t *testing.T) {
	r, _ := newTestAPI(t)

	j := submitJob(t, r, "alice")
	w := doRequest(t, r, http.MethodGet, "/v1/jobs/"+j.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeJob(t, w); got.ID != j.ID {
		t.Fatalf("got job %s, want %s", got.ID, j.ID)
	}
}

func TestGetJob_InvalidID(t *testing.T) {
	r, _ := newTestAPI(t)

	w := doRequest(t, r, http.MethodGet, "/v1/jobs/not-a-job-id", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	r, _ := newTestAPI(t)

	// A well-formed ID minted by a different engine's store.
	otherRouter, _ := newTestAPI(t)
	unknown := submitJob(t, otherRouter, "alice").ID

	w := doRequest(t, r, http.MethodGet, "/v1/jobs/"+unknown.String(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestListJobs_OwnerFilter(t *testing.T) {
	r, _ := newTestAPI(t)

	submitJob(t, r, "alice")
	submitJob(t, r, "bob")
	submitJob(t, r, "alice")

	w := doRequest(t, r, http.MethodGet, "/v1/jobs?owner=alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap stream.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Active) != 2 {
		t.Fatalf("got %d active jobs for alice, want 2", len(snap.Active))
	}
	for _, j := range snap.Active {
		if j.Owner != "alice" {
			t.Errorf("owner filter leaked job for %q", j.Owner)
		}
	}
}

func TestCancelJob_Queued(t *testing.T) {
	r, _ := newTestAPI(t)

	// Fill both dispatch slots so the third submission stays queued.
	submitJob(t, r, "alice")
	submitJob(t, r, "alice")
	queued := submitJob(t, r, "alice")

	w := doRequest(t, r, http.MethodPost, "/v1/jobs/"+queued.ID.String()+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	if got := decodeJob(t, w); got.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, job.StatusCancelled)
	}
}

func TestRetryJob_NotFailed(t *testing.T) {
	r, _ := newTestAPI(t)

	j := submitJob(t, r, "alice")
	w := doRequest(t, r, http.MethodPost, "/v1/jobs/"+j.ID.String()+"/retry", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestReprioritizeJob(t *testing.T) {
	r, _ := newTestAPI(t)

	submitJob(t, r, "alice")
	submitJob(t, r, "alice")
	queued := submitJob(t, r, "alice")

	w := doRequest(t, r, http.MethodPut, "/v1/jobs/"+queued.ID.String()+"/priority",
		ReprioritizeJobRequest{Priority: 9})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	if got := decodeJob(t, w); got.Priority != 9 {
		t.Fatalf("priority = %d, want 9", got.Priority)
	}
}

func TestReprioritizeJob_Dispatched(t *testing.T) {
	r, _ := newTestAPI(t)

	// First submission goes straight to the dispatch channel.
	j := submitJob(t, r, "alice")
	w := doRequest(t, r, http.MethodPut, "/v1/jobs/"+j.ID.String()+"/priority",
		ReprioritizeJobRequest{Priority: 9})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestStats(t *testing.T) {
	r, _ := newTestAPI(t)

	for i := 0; i < 3; i++ {
		submitJob(t, r, "alice")
	}
	w := doRequest(t, r, http.MethodGet, "/v1/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp StatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(resp.Classes) != 1 || resp.Classes[0].Class != "convert" {
		t.Fatalf("classes = %+v", resp.Classes)
	}
	// 2 absorbed by dispatch, 1 still queued.
	if resp.Classes[0].Queued != 1 {
		t.Errorf("queued = %d, want 1", resp.Classes[0].Queued)
	}
}

func TestRoutes_Registered(t *testing.T) {
	r, _ := newTestAPI(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/jobs"},
		{http.MethodGet, "/v1/jobs"},
		{http.MethodGet, "/v1/stats"},
	} {
		w := doRequest(t, r, tc.method, tc.path, nil)
		if w.Code == http.StatusNotFound {
			t.Errorf("%s %s not registered", tc.method, tc.path)
		}
	}
}
