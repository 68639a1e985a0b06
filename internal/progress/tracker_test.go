package progress

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTracker_InitialSnapshot(t *testing.T) {
	snap := NewTracker().Snapshot()
	assert.Equal(t, Unknown, snap.EstimatedTotal)
	assert.False(t, snap.Known())
	assert.Equal(t, int64(0), snap.Completed)
	assert.Equal(t, StatusPreparing, snap.Status)
}

func TestTracker_AdvanceIsMonotonic(t *testing.T) {
	tr := NewTracker()
	assert.Equal(t, int64(5), tr.Advance(5))
	assert.Equal(t, int64(5), tr.Advance(-3))
	assert.Equal(t, int64(5), tr.Advance(0))
	assert.Equal(t, int64(7), tr.Advance(2))
}

func TestTracker_TerminalStatusIsFinal(t *testing.T) {
	tr := NewTracker()
	tr.SetStatus(StatusRunning)
	tr.SetStatus(StatusFailed)
	tr.SetStatus(StatusFinished)
	assert.Equal(t, StatusFailed, tr.Snapshot().Status)
}

func TestTracker_ConcurrentReads(t *testing.T) {
	tr := NewTracker()
	tr.SetEstimate(1000)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Advance(1)
		}
	}()
	go func() {
		defer wg.Done()
		var last int64
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			assert.GreaterOrEqual(t, snap.Completed, last)
			last = snap.Completed
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(1000), tr.Snapshot().Completed)
}
