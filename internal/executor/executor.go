// Package executor defines the pluggable action contract and the name
// registry the flow engine dispatches through.
//
// Executors are the only place domain logic and external-service calls occur.
// They must not mutate shared state outside the returned outputs, and must be
// safely retryable since the engine may re-invoke them on the same state after
// a transient failure.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowrelay/FlowRelay/internal/flow"
	"github.com/flowrelay/FlowRelay/internal/models"
)

// Result is what one executor invocation produces. Outputs are merged into
// the run context by the engine at the action's declared binding path; Event
// drives the state transition; Reply, when set, is queued for delivery to the
// channel adapter.
type Result struct {
	Outputs map[string]any
	Event   string
	Reply   *models.OutboundMessage
}

// Executor is a named, pluggable unit performing one action inside a state.
type Executor interface {
	// Contract describes the executor statically: name, config keys, output
	// keys, and the events it can emit. Used at flow publish time.
	Contract() models.ExecutorContract

	// Timeout bounds one invocation; the engine treats expiry as failure.
	Timeout() time.Duration

	// Execute runs the action against a read view of the run context and the
	// action's config. It returns outputs and an event; it never writes the
	// context directly.
	Execute(ctx context.Context, rc *flow.RunContext, config map[string]any) (*Result, error)
}

// Registry is the name→implementation map of executors. Registration happens
// during startup wiring; lookups are concurrent-safe.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty executor registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register associates an executor with its contract name. Re-registering a
// name replaces the previous implementation.
func (r *Registry) Register(ex Executor) {
	name := ex.Contract().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[name]; exists {
		slog.Warn("ExecutorRegistry replacing existing executor", "name", name)
	}
	r.executors[name] = ex
	slog.Debug("ExecutorRegistry registered executor", "name", name)
}

// Get retrieves the executor for a given name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrExecutorNotFound, name)
	}
	return ex, nil
}

// Has reports whether an executor name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[name]
	return ok
}

// Contract returns the static contract for a registered executor.
func (r *Registry) Contract(name string) (models.ExecutorContract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ex, ok := r.executors[name]
	if !ok {
		return models.ExecutorContract{}, false
	}
	return ex.Contract(), true
}

// Names returns all registered executor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}
