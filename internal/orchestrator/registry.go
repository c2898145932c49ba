package orchestrator

import (
	"errors"
	"sync"
)

// ErrTargetBusy is returned when a deployment is requested for a target
// that already has a non-terminal attempt in flight.
var ErrTargetBusy = errors.New("orchestrator: target already has an active attempt")

// Registry tracks the single active attempt per target. It is an owned
// object injected into the orchestrator so tests can use fresh registries.
type Registry struct {
	mu     sync.Mutex
	active map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]string)}
}

// Acquire reserves the target for the attempt. Returns ErrTargetBusy when
// another attempt holds it.
func (r *Registry) Acquire(target, attemptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[target]; busy {
		return ErrTargetBusy
	}
	r.active[target] = attemptID
	return nil
}

// Release frees the target if it is still held by the given attempt.
func (r *Registry) Release(target, attemptID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.active[target]; ok && holder == attemptID {
		delete(r.active, target)
	}
}

// Active reports the attempt currently holding the target.
func (r *Registry) Active(target string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[target]
	return id, ok
}
