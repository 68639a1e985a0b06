// Package synctask implements the inventory and incremental
// synchronization tasks of a migration job.
package synctask

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"shardscale/internal/position"
	"shardscale/internal/progress"
)

// Kind distinguishes the two task flavours
type Kind string

const (
	KindInventory   Kind = "inventory"
	KindIncremental Kind = "incremental"
)

// Task is one unit of migration work. Start runs to termination on the
// calling goroutine and returns the terminal cause, nil when finished.
type Task interface {
	ID() string
	Kind() Kind
	Start(ctx context.Context, listener Listener) error
	Stop()
	Progress() progress.Snapshot
}

// EventType tags an Event
type EventType int

const (
	EventStarted EventType = iota + 1
	EventProgressed
	EventFinished
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventProgressed:
		return "progressed"
	case EventFinished:
		return "finished"
	case EventFailed:
		return "failed"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a lifecycle notification. Completed and EstimatedTotal are set
// on every event; Err, Retryable and Cancelled only on EventFailed.
type Event struct {
	TaskID         string
	Kind           Kind
	Type           EventType
	Completed      int64
	EstimatedTotal int64
	Err            error
	Retryable      bool
	Cancelled      bool

	// BatchDuration is the time spent applying the batch of a progressed event
	BatchDuration time.Duration
	Time          time.Time
}

// Listener receives task events. Calls are serialized per task.
type Listener func(Event)

// ChannelListener delivers events into ch, blocking while it is full
func ChannelListener(ch chan<- Event) Listener {
	return func(e Event) { ch <- e }
}

// Checkpointer persists the position of a range after a durable write
type Checkpointer interface {
	SavePosition(ctx context.Context, rangeID string, p position.Position) error
}

type nopCheckpointer struct{}

func (nopCheckpointer) SavePosition(context.Context, string, position.Position) error { return nil }

// lifecycle is the state machine shared by both task kinds
type lifecycle struct {
	id   string
	kind Kind

	started    atomic.Bool
	tracker    *progress.Tracker
	stopCh     chan struct{}
	stopOnce   sync.Once
	finishOnce sync.Once

	emitMu   sync.Mutex
	listener Listener
}

func newLifecycle(id string, kind Kind) lifecycle {
	return lifecycle{
		id:      id,
		kind:    kind,
		tracker: progress.NewTracker(),
		stopCh:  make(chan struct{}),
	}
}

// ID returns the task id
func (l *lifecycle) ID() string { return l.id }

// Kind returns the task kind
func (l *lifecycle) Kind() Kind { return l.kind }

// Progress returns a consistent snapshot; safe before Start
func (l *lifecycle) Progress() progress.Snapshot { return l.tracker.Snapshot() }

// Stop requests cooperative cancellation
func (l *lifecycle) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *lifecycle) stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

func (l *lifecycle) begin(listener Listener) error {
	if !l.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	if listener == nil {
		listener = func(Event) {}
	}
	l.listener = listener
	l.emit(Event{Type: EventStarted})
	return nil
}

// advance records delta durable units and reports them
func (l *lifecycle) advance(delta int64, elapsed time.Duration) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.tracker.Advance(delta)
	l.emitLocked(Event{Type: EventProgressed, BatchDuration: elapsed})
}

// finish performs the terminal transition once and returns err
func (l *lifecycle) finish(err error) error {
	l.finishOnce.Do(func() {
		if err == nil {
			l.tracker.SetStatus(progress.StatusFinished)
			l.emit(Event{Type: EventFinished})
			return
		}
		l.tracker.SetStatus(progress.StatusFailed)
		l.emit(Event{
			Type:      EventFailed,
			Err:       err,
			Retryable: IsRetryable(err),
			Cancelled: errors.Is(err, ErrCancelled),
		})
	})
	return err
}

func (l *lifecycle) emit(e Event) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.emitLocked(e)
}

// emitLocked fills the common fields of e and delivers it
func (l *lifecycle) emitLocked(e Event) {
	snap := l.tracker.Snapshot()
	total := snap.EstimatedTotal
	if snap.Known() && snap.Completed > total {
		total = snap.Completed
	}
	e.TaskID = l.id
	e.Kind = l.kind
	e.Completed = snap.Completed
	e.EstimatedTotal = total
	e.Time = time.Now()
	l.listener(e)
}
