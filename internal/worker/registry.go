package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"loom/internal/queue"
)

// Handler executes one claimed job. Handlers must be safe to re-run: a
// crashed worker's job is reclaimed and handled again.
type Handler func(ctx context.Context, job *queue.Job) Outcome

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Re-registering a type panics;
// that is a wiring bug, not a runtime condition.
func (r *Registry) Register(jobType string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("worker: handler already registered for %s", jobType))
	}
	r.handlers[jobType] = handler
}

// Lookup returns the handler for jobType, or nil.
func (r *Registry) Lookup(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}
