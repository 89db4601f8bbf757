package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/middleware"
	"github.com/docubuild/foreman/sched"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCallback records reported outcomes for assertions.
type fakeCallback struct {
	mu        sync.Mutex
	progress  []int
	status    job.Status
	resultRef string
	failure   *job.Failure
	done      chan struct{}
}

func newFakeCallback() *fakeCallback {
	return &fakeCallback{done: make(chan struct{}, 8)}
}

func (f *fakeCallback) ReportProgress(_ context.Context, _ id.JobID, progress int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, progress)
}

func (f *fakeCallback) ReportTerminal(_ context.Context, _ id.JobID, status job.Status, resultRef string, failure *job.Failure) {
	f.mu.Lock()
	f.status = status
	f.resultRef = resultRef
	f.failure = failure
	f.mu.Unlock()
	f.done <- struct{}{}
}

func (f *fakeCallback) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal report")
	}
}

func testJob(class string) *job.Job {
	return &job.Job{
		ID:     id.NewJobID(),
		Class:  class,
		Status: job.StatusRunning,
	}
}

func TestExecutor_ReportsCompletion(t *testing.T) {
	reg := job.NewRegistry()
	reg.Register("convert", func(_ context.Context, _ *job.Job, report job.ProgressFunc) (string, error) {
		report(50)
		return "artifact://out.pdf", nil
	})
	cb := newFakeCallback()
	e := NewExecutor(reg, cb, discardLogger())

	e.Execute(context.Background(), testJob("convert"))
	cb.wait(t)

	if cb.status != job.StatusCompleted || cb.resultRef != "artifact://out.pdf" {
		t.Fatalf("reported %s/%q", cb.status, cb.resultRef)
	}
	if len(cb.progress) != 1 || cb.progress[0] != 50 {
		t.Fatalf("progress reports = %v", cb.progress)
	}
}

func TestExecutor_ReportsFailure(t *testing.T) {
	reg := job.NewRegistry()
	reg.Register("convert", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) (string, error) {
		return "", errors.New("corrupt input")
	})
	cb := newFakeCallback()
	e := NewExecutor(reg, cb, discardLogger())

	e.Execute(context.Background(), testJob("convert"))
	cb.wait(t)

	if cb.status != job.StatusFailed {
		t.Fatalf("reported %s, want failed", cb.status)
	}
	if cb.failure == nil || cb.failure.Reason != job.ReasonWorkerFailure {
		t.Fatalf("failure = %+v", cb.failure)
	}
}

func TestExecutor_ReportsCancelled(t *testing.T) {
	reg := job.NewRegistry()
	started := make(chan struct{})
	reg.Register("convert", func(ctx context.Context, _ *job.Job, _ job.ProgressFunc) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	cb := newFakeCallback()
	e := NewExecutor(reg, cb, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go e.Execute(ctx, testJob("convert"))
	<-started
	cancel()
	cb.wait(t)

	if cb.status != job.StatusCancelled {
		t.Fatalf("reported %s, want cancelled", cb.status)
	}
}

func TestExecutor_RecoversPanic(t *testing.T) {
	reg := job.NewRegistry()
	reg.Register("convert", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) (string, error) {
		panic("handler bug")
	})
	cb := newFakeCallback()
	e := NewExecutor(reg, cb, discardLogger(), middleware.Recover(discardLogger()))

	e.Execute(context.Background(), testJob("convert"))
	cb.wait(t)

	if cb.status != job.StatusFailed {
		t.Fatalf("panic should report failed, got %s", cb.status)
	}
}

func TestExecutor_MissingHandler(t *testing.T) {
	cb := newFakeCallback()
	e := NewExecutor(job.NewRegistry(), cb, discardLogger())

	e.Execute(context.Background(), testJob("ghost"))
	cb.wait(t)

	if cb.status != job.StatusFailed {
		t.Fatalf("missing handler should report failed, got %s", cb.status)
	}
}

func TestPool_ConsumesLeases(t *testing.T) {
	reg := job.NewRegistry()
	var mu sync.Mutex
	executed := 0
	reg.Register("convert", func(_ context.Context, _ *job.Job, _ job.ProgressFunc) (string, error) {
		mu.Lock()
		executed++
		mu.Unlock()
		return "", nil
	})
	cb := newFakeCallback()
	e := NewExecutor(reg, cb, discardLogger())

	leases := make(chan *sched.Lease, 4)
	p := NewPool(e, leases, discardLogger(), WithPoolConcurrency(2))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 4; i++ {
		leases <- &sched.Lease{Job: testJob("convert")}
	}
	close(leases)

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if executed != 4 {
		t.Fatalf("executed %d jobs, want 4", executed)
	}
}
