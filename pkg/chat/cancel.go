package chat

import (
	"context"
	"sync"
)

// CancelRegistry maps an in-flight assistant turn to its cancellation handle.
// It is process-local: the handle interrupts the generation goroutine running
// in this process. The registry is an owned object injected into the service
// so tests can construct isolated instances.
type CancelRegistry struct {
	mu      sync.Mutex
	handles map[int64]context.CancelFunc
}

func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{handles: map[int64]context.CancelFunc{}}
}

// Register stores the handle for a turn. Re-registering replaces the previous
// handle without triggering it.
func (r *CancelRegistry) Register(turnID int64, cancel context.CancelFunc) {
	if r == nil || cancel == nil {
		return
	}
	r.mu.Lock()
	r.handles[turnID] = cancel
	r.mu.Unlock()
}

// Signal triggers and removes the handle for a turn. Returns false when no
// live handle exists; the turn may have already finished, which is not an
// error.
func (r *CancelRegistry) Signal(turnID int64) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	cancel, ok := r.handles[turnID]
	if ok {
		delete(r.handles, turnID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Clear removes the handle without triggering it. Safe to call repeatedly.
func (r *CancelRegistry) Clear(turnID int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.handles, turnID)
	r.mu.Unlock()
}

func (r *CancelRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
