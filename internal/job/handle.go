package job

import (
	"context"
	"sync"
	"sync/atomic"

	"shardscale/internal/position"
	"shardscale/internal/progress"
	"shardscale/internal/synctask"
	"shardscale/internal/worker"
)

// Handle is the registry entry of one table task. It survives retries:
// every attempt is a new synctask.Task built from the handle's config.
type Handle struct {
	job        *Job
	id         string
	table      string
	logicTable string
	kind       synctask.Kind
	build      func(positions position.Map) (synctask.Task, error)

	claimed  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	current  synctask.Task
	listener synctask.Listener
	result   worker.Result
	finished bool
}

func newHandle(j *Job, id, table, logicTable string, kind synctask.Kind, build func(position.Map) (synctask.Task, error)) *Handle {
	return &Handle{
		job:        j,
		id:         id,
		table:      table,
		logicTable: logicTable,
		kind:       kind,
		build:      build,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the task id, "job/logic_table/kind"
func (h *Handle) ID() string { return h.id }

// Table names the task's checkpoint entry: the logic table, qualified by
// the data node for per-node incremental tasks
func (h *Handle) Table() string { return h.table }

// LogicTable returns the logic table the task writes
func (h *Handle) LogicTable() string { return h.logicTable }

// Kind returns the task kind
func (h *Handle) Kind() synctask.Kind { return h.kind }

// JobID returns the id of the owning job
func (h *Handle) JobID() string { return h.job.cfg.ID }

// Start runs the task on the calling goroutine with the job's retry policy
// and returns the terminal cause. A handle runs once, either here or from
// Job.Run.
func (h *Handle) Start(ctx context.Context, listener synctask.Listener) error {
	if h.job.isClosed() {
		return ErrJobClosed
	}
	if !h.claimed.CompareAndSwap(false, true) {
		return synctask.ErrAlreadyStarted
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.job.processor().Process(ctx, h)
	return h.result.Err
}

// Stop cancels the running attempt and prevents further ones
func (h *Handle) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}

// Progress returns the progress of the latest attempt
func (h *Handle) Progress() progress.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return h.result.Progress
	}
	if h.current == nil {
		return progress.Snapshot{EstimatedTotal: progress.Unknown, Status: progress.StatusPreparing}
	}
	return h.current.Progress()
}

// Result returns the outcome; ok is false until the task terminated
func (h *Handle) Result() (result worker.Result, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.finished
}

// Done is closed once the task terminated
func (h *Handle) Done() <-chan struct{} { return h.done }

// NewAttempt builds a fresh task resuming from positions
func (h *Handle) NewAttempt(positions position.Map) (synctask.Task, error) {
	t, err := h.build(positions)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.current = t
	h.mu.Unlock()

	// a stop that raced the build must still reach the new attempt
	select {
	case <-h.stopCh:
		t.Stop()
	default:
	}
	return t, nil
}

// Listen forwards an event to the job and to the Start listener
func (h *Handle) Listen(ev synctask.Event) {
	h.job.publish(h, ev)
	h.mu.Lock()
	listener := h.listener
	h.mu.Unlock()
	if listener != nil {
		listener(ev)
	}
}

// Stopped is closed by Stop
func (h *Handle) Stopped() <-chan struct{} { return h.stopCh }

// Finish records the result; only the first call counts
func (h *Handle) Finish(result worker.Result) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.result = result
	h.finished = true
	h.mu.Unlock()
	close(h.done)
}
