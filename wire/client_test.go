package wire

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docubuild/foreman/backoff"
	"github.com/docubuild/foreman/engine"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/reconcile"
	"github.com/docubuild/foreman/store/memory"
	"github.com/docubuild/foreman/stream"
)

// setupLiveServer runs a full stack: engine with a registered handler,
// worker pool, wire server on a real listener.
func setupLiveServer(t *testing.T, opts ...ServerOption) (string, *engine.Engine) {
	t.Helper()

	eng, err := engine.Build(testEngineConfig(), memory.New(), engine.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	engine.Register(eng, &job.Definition[struct{}]{
		Class: "convert",
		Handler: func(_ context.Context, _ struct{}, report job.ProgressFunc) (string, error) {
			report(50)
			return "artifact://done", nil
		},
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	srv := NewServer(eng.Broker(), NewHandler(eng, testLogger()), testLogger(), opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http"), eng
}

func TestClient_SubmitAndGet(t *testing.T) {
	url, _ := setupLiveServer(t)

	c, err := Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.SessionID() == "" {
		t.Error("expected a session ID from the handshake")
	}

	ctx := context.Background()
	j, err := c.Submit(ctx, "convert", "alice", []byte(`{"document":"plans.pdf"}`), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := c.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == job.StatusCompleted {
			if got.ResultRef != "artifact://done" {
				t.Fatalf("result ref = %q", got.ResultRef)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed, status = %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClient_SubscribeReceivesEvents(t *testing.T) {
	url, _ := setupLiveServer(t)

	c, err := Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	sub, err := c.Subscribe(ctx, stream.TopicJobs, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	j, err := c.Submit(ctx, "convert", "alice", nil, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-sub.C():
			if evt.Job == nil {
				t.Fatal("event must carry a full job snapshot")
			}
			if evt.Job.ID == j.ID && evt.Type == stream.EventJobCompleted {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for completion event")
		}
	}
}

func TestClient_AuthRejected(t *testing.T) {
	url, _ := setupLiveServer(t, WithAuthenticator(NewAPIKeyAuthenticator(
		APIKeyEntry{Token: "good", Identity: Identity{Subject: "ops", Scopes: []string{ScopeAll}}},
	)))

	if _, err := Dial(url, WithToken("bad")); err == nil {
		t.Fatal("expected auth rejection")
	}

	c, err := Dial(url, WithToken("good"))
	if err != nil {
		t.Fatalf("dial with valid token: %v", err)
	}
	defer c.Close()
}

func TestClient_ScopeEnforced(t *testing.T) {
	url, _ := setupLiveServer(t, WithAuthenticator(NewAPIKeyAuthenticator(
		APIKeyEntry{Token: "ro", Identity: Identity{Subject: "viewer", Scopes: []string{ScopeJobRead}}},
	)))

	c, err := Dial(url, WithToken("ro"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if _, err := c.Submit(context.Background(), "convert", "alice", nil, nil); err == nil {
		t.Fatal("read-only identity must not submit")
	}
}

func TestClient_DrivesReconciler(t *testing.T) {
	url, _ := setupLiveServer(t)

	c, err := Dial(url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	r := reconcile.New(c, c, NewDialer(url, stream.TopicJobs), testLogger(),
		reconcile.WithPollInterval(50*time.Millisecond),
		reconcile.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	j, err := c.Submit(ctx, "convert", "alice", nil, nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := r.Get(j.ID); ok && got.Status == job.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mirror never converged on the completed job")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
