package stream

import (
	"sync"
	"sync/atomic"
)

// Subscriber is one observer session's event endpoint. Delivery is
// credit-gated and never blocks the broker: each delivered event costs
// one credit, and a subscriber with no credits (or a full buffer) is
// skipped until the observer replenishes.
//
// Dropping is safe because events are full snapshots: a slow consumer
// that loses intermediate progress updates converges on the next event
// it does receive, or on its next snapshot resync.
type Subscriber struct {
	id string
	ch chan *Event

	// credits is decremented per delivery; at zero the broker skips
	// this subscriber until more are granted.
	credits atomic.Int64

	mu     sync.RWMutex
	topics map[string]struct{}

	closed atomic.Bool
}

// NewSubscriber creates a subscriber with the given channel buffer and
// starting credit balance.
func NewSubscriber(id string, bufferSize int, initialCredits int64) *Subscriber {
	s := &Subscriber{
		id:     id,
		ch:     make(chan *Event, bufferSize),
		topics: make(map[string]struct{}),
	}
	s.credits.Store(initialCredits)
	return s
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string { return s.id }

// C returns the read-only event channel.
func (s *Subscriber) C() <-chan *Event { return s.ch }

// AddCredits replenishes the flow-control balance.
func (s *Subscriber) AddCredits(n int64) {
	s.credits.Add(n)
}

// Credits returns the current balance.
func (s *Subscriber) Credits() int64 {
	return s.credits.Load()
}

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns a copy of the subscribed topic names.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// offer hands an event to the subscriber without blocking. It reports
// whether the event was accepted; a false return means dropped, for
// lack of credits or a full buffer, and the broker counts it.
func (s *Subscriber) offer(evt *Event) bool {
	if s.closed.Load() {
		return false
	}

	// Spend one credit, or bail if the balance is exhausted.
	for {
		current := s.credits.Load()
		if current <= 0 {
			return false
		}
		if s.credits.CompareAndSwap(current, current-1) {
			break
		}
	}

	select {
	case s.ch <- evt:
		return true
	default:
		// Buffer full: the event is dropped, the credit refunded.
		s.credits.Add(1)
		return false
	}
}

// Close closes the subscriber channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
