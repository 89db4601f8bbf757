package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/admission"
	"github.com/docubuild/foreman/ext"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/store/memory"
)

func testConfig() foreman.Config {
	return foreman.Config{
		Classes: []foreman.ClassConfig{
			{
				Name:             "heavy",
				Slots:            1,
				QueueDepth:       8,
				LivenessDeadline: time.Minute,
				CancelGrace:      50 * time.Millisecond,
			},
			{
				Name:       "query",
				Slots:      2,
				QueueDepth: 4,
			},
		},
		PoolSize:         4,
		WatchdogInterval: 20 * time.Millisecond,
		SnapshotWindow:   time.Hour,
	}
}

func newScheduler(t *testing.T, cfg foreman.Config) (*Scheduler, *memory.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	ctrl := admission.NewController(cfg.Classes...)
	s := New(cfg, ctrl, st, ext.NewRegistry(logger), logger)
	return s, st
}

func submitJob(t *testing.T, s *Scheduler, class string, priority int) *job.Job {
	t.Helper()
	j := &job.Job{
		Entity:      foreman.NewEntity(),
		ID:          id.NewJobID(),
		Class:       class,
		Owner:       "alice",
		Priority:    priority,
		Status:      job.StatusQueued,
		SubmittedAt: time.Now().UTC(),
	}
	if err := s.Submit(context.Background(), j); err != nil {
		t.Fatalf("submit: %v", err)
	}
	return j
}

func recvLease(t *testing.T, s *Scheduler) *Lease {
	t.Helper()
	select {
	case l := <-s.Dispatched():
		return l
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
		return nil
	}
}

func expectNoLease(t *testing.T, s *Scheduler, wait time.Duration) {
	t.Helper()
	select {
	case l := <-s.Dispatched():
		t.Fatalf("unexpected dispatch of %s", l.Job.ID)
	case <-time.After(wait):
	}
}

func TestSubmit_UnknownClass(t *testing.T) {
	s, _ := newScheduler(t, testConfig())
	j := &job.Job{ID: id.NewJobID(), Class: "nope", Status: job.StatusQueued}
	if err := s.Submit(context.Background(), j); !errors.Is(err, foreman.ErrClassUnknown) {
		t.Fatalf("expected ErrClassUnknown, got %v", err)
	}
}

func TestSubmit_BackpressureRejection(t *testing.T) {
	cfg := testConfig()
	cfg.Classes[0].QueueDepth = 1
	s, _ := newScheduler(t, cfg)

	// First submission takes the only slot, second fills the queue.
	submitJob(t, s, "heavy", 0)
	submitJob(t, s, "heavy", 0)

	j := &job.Job{
		Entity: foreman.NewEntity(), ID: id.NewJobID(),
		Class: "heavy", Status: job.StatusQueued, SubmittedAt: time.Now().UTC(),
	}
	if err := s.Submit(context.Background(), j); !errors.Is(err, foreman.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected, got %v", err)
	}
}

func TestDispatch_PriorityThenSubmissionOrder(t *testing.T) {
	s, _ := newScheduler(t, testConfig())

	// Occupy the single slot so the next three queue up.
	blocker := submitJob(t, s, "heavy", 100)
	if recvLease(t, s).Job.ID != blocker.ID {
		t.Fatal("blocker should dispatch first")
	}

	firstFive := submitJob(t, s, "heavy", 5)
	secondFive := submitJob(t, s, "heavy", 5)
	nine := submitJob(t, s, "heavy", 9)

	want := []id.JobID{nine.ID, firstFive.ID, secondFive.ID}
	current := blocker.ID
	for _, wantID := range want {
		s.ReportTerminal(context.Background(), current, job.StatusCompleted, "artifact://x", nil)
		l := recvLease(t, s)
		if l.Job.ID != wantID {
			t.Fatalf("dispatched %s, want %s", l.Job.ID, wantID)
		}
		current = l.Job.ID
	}
}

func TestDispatch_NeverExceedsSlots(t *testing.T) {
	s, _ := newScheduler(t, testConfig())

	for i := 0; i < 5; i++ {
		submitJob(t, s, "query", 0)
	}

	first := recvLease(t, s)
	second := recvLease(t, s)
	expectNoLease(t, s, 50*time.Millisecond)

	// Finishing one frees exactly one slot.
	s.ReportTerminal(context.Background(), first.Job.ID, job.StatusCompleted, "", nil)
	recvLease(t, s)
	expectNoLease(t, s, 50*time.Millisecond)
	_ = second
}

func TestDispatch_RateLimitedRetriesOnItsOwn(t *testing.T) {
	cfg := testConfig()
	cfg.Classes[1].RateLimit = 50 // 20ms between dispatches, burst 1
	cfg.Classes[1].RateBurst = 1
	s, _ := newScheduler(t, cfg)

	first := submitJob(t, s, "query", 0)
	second := submitJob(t, s, "query", 0)

	if recvLease(t, s).Job.ID != first.ID {
		t.Fatal("first submission should dispatch immediately")
	}
	// The second is throttled, not stuck: with a free slot and no
	// further queue activity it must dispatch once the bucket refills.
	if l := recvLease(t, s); l.Job.ID != second.ID {
		t.Fatalf("dispatched %s after refill, want %s", l.Job.ID, second.ID)
	}
}

func TestReportTerminal_Completed(t *testing.T) {
	s, st := newScheduler(t, testConfig())
	j := submitJob(t, s, "heavy", 0)
	recvLease(t, s)

	s.ReportProgress(context.Background(), j.ID, 40)
	s.ReportTerminal(context.Background(), j.ID, job.StatusCompleted, "artifact://7", nil)

	got, err := st.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusCompleted || got.ResultRef != "artifact://7" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.Progress != 100 {
		t.Fatalf("completed job should show 100%%, got %d", got.Progress)
	}
}

func TestReportProgress_PersistsAndAbsorbsStale(t *testing.T) {
	s, st := newScheduler(t, testConfig())
	j := submitJob(t, s, "heavy", 0)
	recvLease(t, s)

	ctx := context.Background()
	s.ReportProgress(ctx, j.ID, 60)
	s.ReportProgress(ctx, j.ID, 20) // stale, absorbed

	got, _ := st.GetJob(ctx, j.ID)
	if got.Progress != 60 {
		t.Fatalf("progress = %d, want 60", got.Progress)
	}
}

func TestCancel_QueuedNeverRuns(t *testing.T) {
	s, st := newScheduler(t, testConfig())

	blocker := submitJob(t, s, "heavy", 0)
	recvLease(t, s)
	queued := submitJob(t, s, "heavy", 0)

	got, err := s.Cancel(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Freeing the slot must not dispatch the cancelled job.
	s.ReportTerminal(context.Background(), blocker.ID, job.StatusCompleted, "", nil)
	expectNoLease(t, s, 50*time.Millisecond)

	stored, _ := st.GetJob(context.Background(), queued.ID)
	if stored.StartedAt != nil {
		t.Fatal("cancelled queued job must never start")
	}
}

func TestCancel_RunningCooperative(t *testing.T) {
	s, st := newScheduler(t, testConfig())
	j := submitJob(t, s, "heavy", 0)
	l := recvLease(t, s)

	got, err := s.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !got.CancelRequested {
		t.Fatal("cancel request flag should be set")
	}

	select {
	case <-l.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("lease context should be cancelled")
	}

	// Handler observes the context and reports cancelled in time.
	s.ReportTerminal(context.Background(), j.ID, job.StatusCancelled, "", nil)
	stored, _ := st.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}
}

func TestCancel_ForcedAfterGrace(t *testing.T) {
	s, st := newScheduler(t, testConfig())
	j := submitJob(t, s, "heavy", 0)
	recvLease(t, s)
	next := submitJob(t, s, "heavy", 0)

	s.Cancel(context.Background(), j.ID)

	// Handler ignores the context; the grace timer finalizes the job
	// and the freed slot dispatches the next queued one.
	l := recvLease(t, s)
	if l.Job.ID != next.ID {
		t.Fatalf("expected %s dispatched after forced cancel, got %s", next.ID, l.Job.ID)
	}

	stored, _ := st.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", stored.Status)
	}

	// A late completion from the stuck handler is discarded.
	s.ReportTerminal(context.Background(), j.ID, job.StatusCompleted, "artifact://late", nil)
	stored, _ = st.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusCancelled || stored.ResultRef != "" {
		t.Fatal("late terminal report must not override forced cancel")
	}
}

func TestCancel_ZeroGraceReclaimsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.Classes[0].CancelGrace = 0
	s, st := newScheduler(t, cfg)

	j := submitJob(t, s, "heavy", 0)
	recvLease(t, s)
	next := submitJob(t, s, "heavy", 0)

	got, err := s.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Fatalf("zero grace must finalize synchronously, got %s", got.Status)
	}

	// The slot is reclaimed in the same call, even though the handler
	// never acknowledged; the queued job takes it.
	if l := recvLease(t, s); l.Job.ID != next.ID {
		t.Fatalf("expected %s dispatched after immediate reclaim, got %s", next.ID, l.Job.ID)
	}

	stored, _ := st.GetJob(context.Background(), j.ID)
	if stored.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled in store, got %s", stored.Status)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	s, _ := newScheduler(t, testConfig())
	j := submitJob(t, s, "heavy", 0)
	recvLease(t, s)
	s.ReportTerminal(context.Background(), j.ID, job.StatusCompleted, "artifact://1", nil)

	got, err := s.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("cancel after terminal: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Fatal("cancel must not disturb a terminal job")
	}
}

func TestCancel_NotFound(t *testing.T) {
	s, _ := newScheduler(t, testConfig())
	_, err := s.Cancel(context.Background(), id.NewJobID())
	if !errors.Is(err, foreman.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestReprioritize_ReordersQueue(t *testing.T) {
	s, _ := newScheduler(t, testConfig())

	blocker := submitJob(t, s, "heavy", 100)
	recvLease(t, s)

	low := submitJob(t, s, "heavy", 1)
	high := submitJob(t, s, "heavy", 5)

	got, err := s.Reprioritize(context.Background(), low.ID, 9)
	if err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	if got.Priority != 9 {
		t.Fatalf("priority = %d, want 9", got.Priority)
	}

	s.ReportTerminal(context.Background(), blocker.ID, job.StatusCompleted, "", nil)
	if l := recvLease(t, s); l.Job.ID != low.ID {
		t.Fatalf("boosted job should dispatch first, got %s", l.Job.ID)
	}
	_ = high
}

func TestReprioritize_RejectsDispatched(t *testing.T) {
	s, _ := newScheduler(t, testConfig())
	j := submitJob(t, s, "heavy", 0)
	recvLease(t, s)

	if _, err := s.Reprioritize(context.Background(), j.ID, 9); !errors.Is(err, foreman.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for running job, got %v", err)
	}
}

func TestWatchdog_FailsStalledJob(t *testing.T) {
	cfg := testConfig()
	cfg.Classes[0].LivenessDeadline = 50 * time.Millisecond
	s, st := newScheduler(t, cfg)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())

	j := submitJob(t, s, "heavy", 0)
	l := recvLease(t, s)

	deadline := time.Now().Add(time.Second)
	for {
		got, _ := st.GetJob(context.Background(), j.ID)
		if got != nil && got.Status == job.StatusFailed {
			if got.Error == nil || got.Error.Reason != job.ReasonWorkerTimeout {
				t.Fatalf("expected worker_timeout failure, got %+v", got.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watchdog did not fail the stalled job")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-l.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("stalled job's context should be cancelled")
	}
}

func TestWatchdog_HeartbeatKeepsJobAlive(t *testing.T) {
	cfg := testConfig()
	cfg.Classes[0].LivenessDeadline = 80 * time.Millisecond
	s, st := newScheduler(t, cfg)

	s.Start(context.Background())
	defer s.Stop(context.Background())

	j := submitJob(t, s, "heavy", 0)
	recvLease(t, s)

	// Heartbeat with an unchanged progress value; the report itself is
	// the liveness signal even when absorbed.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		s.ReportProgress(context.Background(), j.ID, 10)
	}

	got, _ := st.GetJob(context.Background(), j.ID)
	if got.Status != job.StatusRunning {
		t.Fatalf("heartbeating job should still be running, got %s", got.Status)
	}
}

func TestStats(t *testing.T) {
	s, _ := newScheduler(t, testConfig())
	submitJob(t, s, "heavy", 0)
	recvLease(t, s)
	submitJob(t, s, "heavy", 0)

	for _, st := range s.Stats() {
		if st.Class == "heavy" {
			if st.Queued != 1 || st.Running != 1 {
				t.Fatalf("heavy stats = %+v, want 1 queued / 1 running", st)
			}
			return
		}
	}
	t.Fatal("heavy class missing from stats")
}
