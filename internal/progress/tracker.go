package progress

import (
	"sync"
	"time"
)

// Status represents the lifecycle state of a synchronization task
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Unknown is the estimated total of a task that cannot or has not yet estimated
const Unknown int64 = -1

// Snapshot is a point-in-time copy of a task's progress
type Snapshot struct {
	EstimatedTotal int64     // Unknown until estimated
	Completed      int64     // units durably written
	Status         Status    // lifecycle state
	UpdatedAt      time.Time // last mutation
}

// Known reports whether the estimate is available
func (s Snapshot) Known() bool {
	return s.EstimatedTotal != Unknown
}

// Tracker holds one task's progress. The task mutates it from its own
// goroutine while anyone may read it.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a tracker with an unknown estimate
func NewTracker() *Tracker {
	return &Tracker{
		snap: Snapshot{
			EstimatedTotal: Unknown,
			Status:         StatusPreparing,
			UpdatedAt:      time.Now(),
		},
	}
}

// SetEstimate records the estimated total
func (t *Tracker) SetEstimate(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.EstimatedTotal = total
	t.snap.UpdatedAt = time.Now()
}

// Advance adds delta completed units and returns the new count. Non-positive
// deltas are ignored so Completed never decreases.
func (t *Tracker) Advance(delta int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if delta > 0 {
		t.snap.Completed += delta
		t.snap.UpdatedAt = time.Now()
	}
	return t.snap.Completed
}

// SetStatus moves the tracked status; terminal statuses are final
func (t *Tracker) SetStatus(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.snap.Status.Terminal() {
		return
	}
	t.snap.Status = status
	t.snap.UpdatedAt = time.Now()
}

// Snapshot returns the current progress (thread-safe)
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.snap
}
