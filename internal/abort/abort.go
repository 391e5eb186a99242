// Package abort tracks cancellation functions of line-delimited streams so an
// out-of-band call can stop them.
package abort

import (
	"context"
	"sync"
)

type Registry struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

func New() *Registry {
	return &Registry{entries: make(map[string]context.CancelFunc)}
}

// Register stores cancel under requestID. It returns false if the id is
// already in use.
func (r *Registry) Register(requestID string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[requestID]; exists {
		return false
	}
	r.entries[requestID] = cancel
	return true
}

// Cancel removes the entry and calls its cancel func. Unknown or already
// finished ids return false.
func (r *Registry) Cancel(requestID string) bool {
	r.mu.Lock()
	cancel, ok := r.entries[requestID]
	delete(r.entries, requestID)
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Remove drops the entry without cancelling. It reports whether an entry
// was removed, so exactly one of Remove and Cancel observes true.
func (r *Registry) Remove(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[requestID]
	delete(r.entries, requestID)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
