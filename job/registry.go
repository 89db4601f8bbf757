package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ProgressFunc reports execution progress (0–100) back to the scheduler.
// Out-of-order or duplicate calls are absorbed by the monotonicity guard.
type ProgressFunc func(progress int)

// HandlerFunc is a type-erased handler for one job class. It runs the
// opaque long-running operation and returns an opaque locator for the
// produced artifact. The context is cancelled when the job is cancelled
// cooperatively; handlers are expected to stop within the class's grace
// period.
type HandlerFunc func(ctx context.Context, j *Job, report ProgressFunc) (resultRef string, err error)

// Definition describes a typed handler for one job class. The Params
// payload is JSON-unmarshalled into T before the handler runs — the
// class-validated parameter contract lives here, not in the scheduler.
type Definition[T any] struct {
	Class   string
	Handler func(ctx context.Context, params T, report ProgressFunc) (resultRef string, err error)
}

// Registry maps job classes to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register registers a type-erased handler for a class.
func (r *Registry) Register(class string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[class] = h
}

// RegisterDefinition registers a typed definition. The generic handler
// is wrapped in a closure that unmarshals Params into T first.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, j *Job, report ProgressFunc) (string, error) {
		var t T
		if len(j.Params) > 0 {
			if err := json.Unmarshal(j.Params, &t); err != nil {
				return "", fmt.Errorf("unmarshal params for class %q: %w", def.Class, err)
			}
		}
		return def.Handler(ctx, t, report)
	}
	r.Register(def.Class, handler)
}

// Get returns the handler for the given class.
// Returns false if no handler is registered.
func (r *Registry) Get(class string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[class]
	return h, ok
}

// Classes returns all registered class names.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	classes := make([]string, 0, len(r.handlers))
	for class := range r.handlers {
		classes = append(classes, class)
	}
	return classes
}
