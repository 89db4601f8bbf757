package admission

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/docubuild/foreman"
)

func testClass(name string, slots, depth int) foreman.ClassConfig {
	return foreman.ClassConfig{
		Name:       name,
		Slots:      slots,
		QueueDepth: depth,
	}
}

func TestAdmit_UnknownClass(t *testing.T) {
	c := NewController(testClass("heavy", 2, 4))

	err := c.Admit("nope")
	if !errors.Is(err, foreman.ErrClassUnknown) {
		t.Fatalf("expected ErrClassUnknown, got %v", err)
	}
}

func TestAdmit_DepthLimit(t *testing.T) {
	c := NewController(testClass("heavy", 1, 2))

	for i := 0; i < 2; i++ {
		if err := c.Admit("heavy"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	err := c.Admit("heavy")
	if !errors.Is(err, foreman.ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected at depth limit, got %v", err)
	}

	// Draining one queued entry reopens admission.
	if ok, _ := c.TryAcquire("heavy"); !ok {
		t.Fatal("acquire should succeed with a free slot")
	}
	if err := c.Admit("heavy"); err != nil {
		t.Fatalf("admit after drain: %v", err)
	}
}

func TestTryAcquire_SlotLimit(t *testing.T) {
	c := NewController(testClass("heavy", 2, 10))

	for i := 0; i < 4; i++ {
		if err := c.Admit("heavy"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	for i := 0; i < 2; i++ {
		if ok, _ := c.TryAcquire("heavy"); !ok {
			t.Fatalf("acquire %d should succeed", i)
		}
	}
	ok, retryAfter := c.TryAcquire("heavy")
	if ok {
		t.Fatal("third acquire must fail with both slots occupied")
	}
	if retryAfter != 0 {
		t.Fatalf("slot exhaustion must not suggest a retry delay, got %v", retryAfter)
	}

	queued, running := c.Counts("heavy")
	if queued != 2 || running != 2 {
		t.Fatalf("counts = (%d, %d), want (2, 2)", queued, running)
	}
}

func TestRelease_FreesSlot(t *testing.T) {
	c := NewController(testClass("heavy", 1, 4))

	c.Admit("heavy")
	c.Admit("heavy")
	if ok, _ := c.TryAcquire("heavy"); !ok {
		t.Fatal("acquire should succeed")
	}
	if ok, _ := c.TryAcquire("heavy"); ok {
		t.Fatal("single slot already occupied")
	}

	// A terminal transition releases the slot; the next queued job can run.
	c.Release("heavy")
	if ok, _ := c.TryAcquire("heavy"); !ok {
		t.Fatal("acquire should succeed after release")
	}
}

func TestForget_DropsQueued(t *testing.T) {
	c := NewController(testClass("heavy", 1, 1))

	if err := c.Admit("heavy"); err != nil {
		t.Fatalf("admit: %v", err)
	}

	// Cancel-before-dispatch frees the queue position immediately.
	c.Forget("heavy")
	if err := c.Admit("heavy"); err != nil {
		t.Fatalf("admit after forget: %v", err)
	}
}

func TestTryAcquire_RateLimited(t *testing.T) {
	cfg := testClass("query", 10, 10)
	cfg.RateLimit = 1 // one dispatch per second, burst 1
	c := NewController(cfg)

	for i := 0; i < 3; i++ {
		if err := c.Admit("query"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	if ok, _ := c.TryAcquire("query"); !ok {
		t.Fatal("first acquire should pass the limiter")
	}
	ok, retryAfter := c.TryAcquire("query")
	if ok {
		t.Fatal("second immediate acquire must be throttled")
	}
	// Throttling must tell the caller when the next token arrives.
	if retryAfter <= 0 || retryAfter > time.Second {
		t.Fatalf("retry hint = %v, want within (0, 1s]", retryAfter)
	}

	time.Sleep(1100 * time.Millisecond)
	if ok, _ := c.TryAcquire("query"); !ok {
		t.Fatal("acquire should pass once the limiter refills")
	}
}

func TestConcurrentAcquire_NeverExceedsSlots(t *testing.T) {
	const slots = 3
	c := NewController(testClass("heavy", slots, 100))

	for i := 0; i < 100; i++ {
		if err := c.Admit("heavy"); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := c.TryAcquire("heavy"); ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != slots {
		t.Fatalf("acquired %d slots, want exactly %d", acquired, slots)
	}
}
