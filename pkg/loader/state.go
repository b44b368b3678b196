package loader

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a load operation.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusLoading  Status = "loading"
	StatusRetrying Status = "retrying"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
)

// AttemptRecord captures one retry iteration. Immutable once the attempt
// completes.
type AttemptRecord struct {
	Attempt   int
	StartedAt time.Time
	Duration  time.Duration
	Succeeded bool
	Err       *ClassifiedError
}

// LoadingState tracks the progress of a single identifier's load. The
// request-collapsing in Load guarantees at most one state per identifier
// is ever in loading or retrying status.
type LoadingState struct {
	ID        string
	Status    Status
	Attempts  []AttemptRecord
	Retry     RetryConfig
	LastError *ClassifiedError
}

// stateTracker owns all LoadingState records. Only the load operation
// that created a state mutates it; everything goes through the tracker's
// lock so snapshots are always consistent.
type stateTracker struct {
	mu     sync.RWMutex
	states map[string]*LoadingState
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*LoadingState)}
}

// begin creates (or resets) the state for an identifier.
func (t *stateTracker) begin(id string, retry RetryConfig) *LoadingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := &LoadingState{
		ID:     id,
		Status: StatusLoading,
		Retry:  retry,
	}
	t.states[id] = st
	return st
}

// setStatus updates an identifier's status.
func (t *stateTracker) setStatus(id string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[id]; ok {
		st.Status = status
	}
}

// recordAttempt appends a completed attempt and remembers the last error.
func (t *stateTracker) recordAttempt(id string, rec AttemptRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[id]
	if !ok {
		return
	}
	st.Attempts = append(st.Attempts, rec)
	if rec.Err != nil {
		st.LastError = rec.Err
	}
}

// get returns a snapshot copy of the state for inspection, or nil.
func (t *stateTracker) get(id string) *LoadingState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[id]
	if !ok {
		return nil
	}
	snapshot := *st
	snapshot.Attempts = append([]AttemptRecord(nil), st.Attempts...)
	return &snapshot
}

// status returns the current status without copying attempt history.
func (t *stateTracker) status(id string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.states[id]; ok {
		return st.Status
	}
	return StatusIdle
}

// clear discards the state for an identifier.
func (t *stateTracker) clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}
