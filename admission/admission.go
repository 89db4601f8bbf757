package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/docubuild/foreman"
)

// classState tracks runtime admission state for a single class.
type classState struct {
	cfg     foreman.ClassConfig
	limiter *rate.Limiter
	queued  int
	running int
}

func newClassState(cfg foreman.ClassConfig) *classState {
	cs := &classState{cfg: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		cs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return cs
}

// Controller is the single source of truth for per-class queue depth
// and slot occupancy. It is safe for concurrent use; all admission and
// acquisition decisions serialize on one mutex so concurrent
// submissions racing for the last slot can never exceed the limit.
type Controller struct {
	mu      sync.Mutex
	classes map[string]*classState
}

// NewController creates a Controller for the given class configurations.
func NewController(classes ...foreman.ClassConfig) *Controller {
	c := &Controller{
		classes: make(map[string]*classState, len(classes)),
	}
	for _, cfg := range classes {
		c.classes[cfg.Name] = newClassState(cfg)
	}
	return c
}

// Class returns the configuration for a class.
func (c *Controller) Class(name string) (foreman.ClassConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.classes[name]
	if !ok {
		return foreman.ClassConfig{}, false
	}
	return cs.cfg, true
}

// Admit decides whether a new submission may enter the class's queue.
// Returns ErrClassUnknown for unconfigured classes and
// ErrAdmissionRejected when the queue is at its depth limit. On success
// the queued count is incremented. Never blocks.
func (c *Controller) Admit(class string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.classes[class]
	if !ok {
		return foreman.ErrClassUnknown
	}
	if cs.queued >= cs.cfg.QueueDepth {
		return foreman.ErrAdmissionRejected
	}
	cs.queued++
	return nil
}

// TryAcquire attempts to move one queued job into a running slot.
// Returns false when no slot is free or the class's dispatch rate limit
// is exhausted. When the limiter alone blocked the acquire, retryAfter
// reports how long until the next token, so the caller can schedule a
// retry instead of waiting for the next queue event; it is zero in
// every other case (full slots free up on terminal transitions, which
// re-drive dispatch themselves). On success the queued count is
// decremented and the running count incremented.
func (c *Controller) TryAcquire(class string) (ok bool, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cs, found := c.classes[class]
	if !found {
		return false, 0
	}
	if cs.running >= cs.cfg.Slots {
		return false, 0
	}
	if cs.limiter != nil {
		res := cs.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			return false, delay
		}
	}
	cs.queued--
	cs.running++
	return true, 0
}

// Release returns a running slot on a terminal transition.
func (c *Controller) Release(class string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs, ok := c.classes[class]; ok && cs.running > 0 {
		cs.running--
	}
}

// Forget removes a queued job that was cancelled before dispatch.
func (c *Controller) Forget(class string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs, ok := c.classes[class]; ok && cs.queued > 0 {
		cs.queued--
	}
}

// Counts returns the current queued and running counts for a class.
func (c *Controller) Counts(class string) (queued, running int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cs, ok := c.classes[class]; ok {
		return cs.queued, cs.running
	}
	return 0, 0
}

// Classes returns the names of all configured classes.
func (c *Controller) Classes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.classes))
	for name := range c.classes {
		names = append(names, name)
	}
	return names
}
