package session

import (
	"context"
	"sync"
)

// CancellationTracker distinguishes user-requested cancellation from
// every other reason a session's context might be cancelled (timeouts,
// shutdown). It also holds the cancel funcs for sessions running on
// this pod so the cancel endpoint can interrupt them.
//
// Entries are process-local; a cancel request for a session running on
// another pod takes effect through the database status write, not here.
type CancellationTracker struct {
	mu          sync.RWMutex
	cancelled   map[string]bool
	cancels     map[string]context.CancelFunc
	execCancels map[string]context.CancelFunc
}

// NewCancellationTracker creates an empty tracker.
func NewCancellationTracker() *CancellationTracker {
	return &CancellationTracker{
		cancelled:   make(map[string]bool),
		cancels:     make(map[string]context.CancelFunc),
		execCancels: make(map[string]context.CancelFunc),
	}
}

// Register stores the cancel func for a session starting execution on
// this pod.
func (t *CancellationTracker) Register(sessionID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels[sessionID] = cancel
}

// MarkCancelled records a user cancellation and, if the session is
// running locally, cancels its context. Idempotent. Returns true if a
// local execution was interrupted.
func (t *CancellationTracker) MarkCancelled(sessionID string) bool {
	t.mu.Lock()
	t.cancelled[sessionID] = true
	cancel := t.cancels[sessionID]
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		return true
	}
	return false
}

// RegisterExecution stores the cancel func for one stage execution
// running on this pod, so a per-child cancel can interrupt it without
// touching its siblings.
func (t *CancellationTracker) RegisterExecution(executionID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.execCancels[executionID] = cancel
}

// CancelExecution interrupts one stage execution if it is running
// locally. Returns true if an execution was interrupted.
func (t *CancellationTracker) CancelExecution(executionID string) bool {
	t.mu.Lock()
	cancel := t.execCancels[executionID]
	delete(t.execCancels, executionID)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		return true
	}
	return false
}

// ClearExecution removes a stage execution's cancel func once it
// finishes.
func (t *CancellationTracker) ClearExecution(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.execCancels, executionID)
}

// IsUserCancel reports whether the session's context cancellation was
// user-requested.
func (t *CancellationTracker) IsUserCancel(sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelled[sessionID]
}

// Clear removes all state for a session once execution has finished.
func (t *CancellationTracker) Clear(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cancelled, sessionID)
	delete(t.cancels, sessionID)
}
