package stream

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/docubuild/foreman"
	"github.com/docubuild/foreman/id"
	"github.com/docubuild/foreman/job"
	"github.com/docubuild/foreman/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJob(class, owner string) *job.Job {
	return &job.Job{
		Entity:      foreman.NewEntity(),
		ID:          id.NewJobID(),
		Class:       class,
		Owner:       owner,
		Status:      job.StatusQueued,
		SubmittedAt: time.Now().UTC(),
	}
}

func recvEvent(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_FansOutToClassTopic(t *testing.T) {
	b := NewBroker(memory.New(), discardLogger())
	sub := b.Subscribe("dash-1", ClassTopic("heavy"))

	j := newJob("heavy", "alice")
	b.OnJobQueued(context.Background(), j)

	evt := recvEvent(t, sub)
	if evt.Type != EventJobQueued {
		t.Fatalf("event type = %s", evt.Type)
	}
	if evt.Job == nil || evt.Job.ID != j.ID {
		t.Fatal("event must carry the full job record")
	}
}

func TestBroker_OwnerTopicIsolation(t *testing.T) {
	b := NewBroker(memory.New(), discardLogger())
	alice := b.Subscribe("alice-sub", OwnerTopic("alice"))
	bob := b.Subscribe("bob-sub", OwnerTopic("bob"))

	b.OnJobQueued(context.Background(), newJob("heavy", "alice"))

	if recvEvent(t, alice).Job.Owner != "alice" {
		t.Fatal("alice should see her job")
	}
	select {
	case evt := <-bob.C():
		t.Fatalf("bob should see nothing, got %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_DeduplicatesOverlappingTopics(t *testing.T) {
	b := NewBroker(memory.New(), discardLogger())
	j := newJob("heavy", "alice")
	// Subscribed to both the class and the specific job.
	sub := b.Subscribe("dash-1", ClassTopic("heavy"), JobTopic(j.ID.String()))

	b.OnJobStarted(context.Background(), j)

	recvEvent(t, sub)
	select {
	case evt := <-sub.C():
		t.Fatalf("duplicate delivery: %s", evt.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroker_CreditsExhaustion(t *testing.T) {
	b := NewBroker(memory.New(), discardLogger(), WithDefaultCredits(2))
	sub := b.Subscribe("slow", TopicJobs)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		b.OnJobProgress(ctx, newJob("heavy", "alice"))
	}

	// Only the first two events fit the credit grant.
	received := 0
	for {
		select {
		case <-sub.C():
			received++
		case <-time.After(50 * time.Millisecond):
			if received != 2 {
				t.Fatalf("received %d events, want 2", received)
			}
			return
		}
	}
}

func TestBroker_RemoveSubscriberClosesChannel(t *testing.T) {
	b := NewBroker(memory.New(), discardLogger())
	sub := b.Subscribe("dash-1", TopicFirehose)

	b.RemoveSubscriber("dash-1")

	if _, open := <-sub.C(); open {
		t.Fatal("channel should be closed")
	}
	if _, ok := b.GetSubscriber("dash-1"); ok {
		t.Fatal("subscriber should be gone")
	}
}

func TestBroker_Snapshot(t *testing.T) {
	st := memory.New()
	b := NewBroker(st, discardLogger(), WithSnapshotWindow(time.Hour))
	ctx := context.Background()

	active := newJob("heavy", "alice")
	st.CreateJob(ctx, active)

	recent := newJob("heavy", "alice")
	recent.Start(time.Now())
	recent.Complete("artifact://1", time.Now())
	st.CreateJob(ctx, recent)

	stale := newJob("heavy", "alice")
	stale.Start(time.Now().Add(-3 * time.Hour))
	stale.Complete("artifact://2", time.Now().Add(-2*time.Hour))
	st.CreateJob(ctx, stale)

	other := newJob("query", "bob")
	st.CreateJob(ctx, other)

	snap, err := b.Snapshot(ctx, job.Filter{Class: "heavy"})
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Active) != 1 || snap.Active[0].ID != active.ID {
		t.Fatalf("active = %d jobs", len(snap.Active))
	}
	if len(snap.Completed) != 1 || snap.Completed[0].ID != recent.ID {
		t.Fatalf("completed should hold only the in-window job, got %d", len(snap.Completed))
	}
	if snap.TakenAt.IsZero() {
		t.Fatal("TakenAt must be set")
	}
}

func TestValidateTopic(t *testing.T) {
	cases := []struct {
		topic string
		ok    bool
	}{
		{"jobs", true},
		{"firehose", true},
		{"job:job_abc", true},
		{"class:heavy", true},
		{"owner:alice", true},
		{"workflow:x", false},
		{"bogus", false},
		{"class:", false},
	}
	for _, tc := range cases {
		err := ValidateTopic(tc.topic)
		if tc.ok && err != nil {
			t.Errorf("ValidateTopic(%q) = %v, want nil", tc.topic, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidateTopic(%q) should fail", tc.topic)
		}
	}
}
