package broker

import (
	"context"
	"sync"

	"batchd/errors"
)

// HandlerFunc executes one claimed task. A non-nil return marks the task
// failed with the error message recorded.
type HandlerFunc func(ctx context.Context, task *Task) error

// HandlerRegistry maps task targets to their handlers. Register all handlers
// before starting the worker pool.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a task target to a handler. Re-registering a target
// replaces the previous handler.
func (r *HandlerRegistry) Register(target string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[target] = handler
}

// Get returns the handler for a target, or an error for unknown targets.
func (r *HandlerRegistry) Get(target string) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[target]
	if !ok {
		return nil, errors.Newf("no handler registered for task target %q", target)
	}
	return handler, nil
}

// Targets returns the registered task targets.
func (r *HandlerRegistry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]string, 0, len(r.handlers))
	for target := range r.handlers {
		targets = append(targets, target)
	}
	return targets
}
