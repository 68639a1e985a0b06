// Package job composes the table tasks of a migration job, runs them on a
// worker pool and reports a per-table outcome.
package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"shardscale/internal/checkpoint"
	"shardscale/internal/datasource"
	"shardscale/internal/metrics"
	"shardscale/internal/position"
	"shardscale/internal/progress"
	"shardscale/internal/synctask"
	"shardscale/internal/worker"

	"go.uber.org/zap"
)

var (
	// ErrDuplicateTask is returned by Submit for a second task of the same
	// job, table and kind
	ErrDuplicateTask = errors.New("duplicate table task")

	// ErrInventoryFailed is the cause of an incremental task that was not
	// started because the inventory of its table failed
	ErrInventoryFailed = errors.New("inventory task failed")

	// ErrJobClosed is returned once Run has returned
	ErrJobClosed = errors.New("job is closed")
)

const defaultEventBuffer = 256

// Config describes one migration job
type Config struct {
	ID          string
	Inventory   []synctask.SyncConfig
	Incremental []synctask.IncrementalConfig

	// Concurrency bounds the inventory tasks in flight. Incremental tasks
	// are long-lived and each gets a worker.
	Concurrency    int
	Retries        int
	RetryBackoffMs int
	SkipFinished   bool
	EventBuffer    int
}

// Deps are the shared services a job runs on. Store and Metrics are optional.
type Deps struct {
	Manager *datasource.Manager
	Store   checkpoint.Store
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Job is the orchestrator of a migration job
type Job struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	handles []*Handle
	keys    map[string]bool

	running atomic.Bool
	closed  bool
	eventMu sync.RWMutex
	events  chan taskEvent
	drained chan struct{}
}

type taskEvent struct {
	handle *Handle
	event  synctask.Event
}

// New creates a job; the tasks are registered by Submit
func New(cfg Config, deps Deps) (*Job, error) {
	if cfg.ID == "" {
		return nil, errors.New("job id is required")
	}
	if deps.Manager == nil {
		return nil, errors.New("connection manager is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	j := &Job{
		cfg:     cfg,
		deps:    deps,
		keys:    make(map[string]bool),
		events:  make(chan taskEvent, cfg.EventBuffer),
		drained: make(chan struct{}),
	}
	j.deps.Logger = deps.Logger.With(zap.String("job_id", cfg.ID))
	go j.drain()
	return j, nil
}

// Submit registers one handle per table task of the config
func (j *Job) Submit() ([]*Handle, error) {
	var submitted []*Handle
	for _, cfg := range j.cfg.Inventory {
		h, err := j.submitInventory(cfg)
		if err != nil {
			return submitted, err
		}
		submitted = append(submitted, h)
	}
	for _, cfg := range j.cfg.Incremental {
		h, err := j.submitIncremental(cfg)
		if err != nil {
			return submitted, err
		}
		submitted = append(submitted, h)
	}
	return submitted, nil
}

func (j *Job) submitInventory(cfg synctask.SyncConfig) (*Handle, error) {
	cfg.JobID = j.cfg.ID
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("table %s: %w", cfg.LogicTable, err)
	}
	build := func(positions position.Map) (synctask.Task, error) {
		attempt := cfg
		if len(positions) > 0 {
			attempt.Positions = positions
		}
		return synctask.NewInventoryTask(attempt, j.deps.Manager, j.checkpointer(cfg.LogicTable), j.deps.Logger)
	}
	return j.register(cfg.TaskID(), cfg.LogicTable, cfg.LogicTable, synctask.KindInventory, build)
}

func (j *Job) submitIncremental(cfg synctask.IncrementalConfig) (*Handle, error) {
	cfg.JobID = j.cfg.ID
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("table %s: %w", cfg.LogicTable, err)
	}
	build := func(positions position.Map) (synctask.Task, error) {
		attempt := cfg
		if p, ok := positions[synctask.StreamRangeID]; ok {
			attempt.Start = p
		}
		return synctask.NewIncrementalTask(attempt, j.deps.Manager, j.checkpointer(cfg.Name()), j.deps.Logger)
	}
	return j.register(cfg.TaskID(), cfg.Name(), cfg.LogicTable, synctask.KindIncremental, build)
}

func (j *Job) register(id, table, logicTable string, kind synctask.Kind, build func(position.Map) (synctask.Task, error)) (*Handle, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := j.cfg.ID + "/" + table + "/" + string(kind)
	if j.keys[key] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, key)
	}
	j.keys[key] = true

	h := newHandle(j, id, table, logicTable, kind, build)
	j.handles = append(j.handles, h)
	return h, nil
}

func (j *Job) checkpointer(table string) synctask.Checkpointer {
	if j.deps.Store == nil {
		return nil
	}
	return checkpoint.NewCheckpointer(j.deps.Store, j.cfg.ID, table)
}

func (j *Job) processor() *worker.TaskProcessor {
	return worker.NewTaskProcessor(j.workerConfig(), j.deps.Store, j.deps.Metrics, j.deps.Logger)
}

func (j *Job) workerConfig() worker.Config {
	return worker.Config{
		Retries:        j.cfg.Retries,
		RetryBackoffMs: j.cfg.RetryBackoffMs,
		SkipFinished:   j.cfg.SkipFinished,
	}
}

// Handles returns the registered handles in submission order
func (j *Job) Handles() []*Handle {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*Handle(nil), j.handles...)
}

// Run runs every submitted task: the inventory tasks first, then the
// incremental tasks of the tables whose inventory succeeded. A failed table
// does not stop the others. The error is only set when the job itself could
// not run.
func (j *Job) Run(ctx context.Context) (*Report, error) {
	if !j.running.CompareAndSwap(false, true) {
		return nil, synctask.ErrAlreadyStarted
	}
	defer j.Close()

	startTime := time.Now()
	handles := j.Handles()
	if len(handles) == 0 {
		return nil, errors.New("no table tasks submitted")
	}

	var inventory, incremental []*Handle
	for _, h := range handles {
		if h.Kind() == synctask.KindInventory {
			inventory = append(inventory, h)
		} else {
			incremental = append(incremental, h)
		}
	}

	j.deps.Logger.Info("Starting job",
		zap.Int("inventory_tasks", len(inventory)),
		zap.Int("incremental_tasks", len(incremental)),
		zap.Int("concurrency", j.cfg.Concurrency),
	)
	j.runPhase(ctx, "inventory", inventory, j.cfg.Concurrency)

	failed := make(map[string]error)
	for _, h := range inventory {
		if result, _ := h.Result(); result.Err != nil {
			failed[h.LogicTable()] = result.Err
		}
	}
	var ready []*Handle
	for _, h := range incremental {
		if cause, ok := failed[h.LogicTable()]; ok && h.claimed.CompareAndSwap(false, true) {
			h.Finish(worker.Result{
				Err:      fmt.Errorf("%w: %s: %v", ErrInventoryFailed, h.LogicTable(), cause),
				Progress: progress.Snapshot{EstimatedTotal: progress.Unknown, Status: progress.StatusFailed},
			})
			continue
		}
		ready = append(ready, h)
	}
	j.runPhase(ctx, "incremental", ready, len(ready))

	report := newReport(j.cfg.ID, handles, time.Since(startTime))
	j.deps.Logger.Info("Job finished",
		zap.Int("tables", len(report.Tables)),
		zap.Int("failed", len(report.Failed())),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// runPhase feeds handles to a named pool of size workers and waits for all
// of them, including handles started directly through Handle.Start.
func (j *Job) runPhase(ctx context.Context, name string, handles []*Handle, size int) {
	if len(handles) == 0 {
		return
	}

	pool := worker.NewPool(name, size, j.workerConfig(), j.deps.Store, j.deps.Metrics, j.deps.Logger)
	tasks := make(chan worker.Task)
	var wg sync.WaitGroup
	pool.Start(ctx, tasks, &wg)

feed:
	for i, h := range handles {
		if !h.claimed.CompareAndSwap(false, true) {
			continue
		}
		select {
		case tasks <- h:
		case <-ctx.Done():
			// tasks never handed to a worker still need a result
			h.Finish(unstarted(ctx.Err()))
			for _, rest := range handles[i+1:] {
				if rest.claimed.CompareAndSwap(false, true) {
					rest.Finish(unstarted(ctx.Err()))
				}
			}
			break feed
		}
	}
	close(tasks)
	wg.Wait()

	for _, h := range handles {
		<-h.Done()
	}
}

func unstarted(err error) worker.Result {
	return worker.Result{
		Err:      errors.Join(synctask.ErrCancelled, err),
		Progress: progress.Snapshot{EstimatedTotal: progress.Unknown, Status: progress.StatusFailed},
	}
}

// Stop stops every task; Run returns once they terminated
func (j *Job) Stop() {
	for _, h := range j.Handles() {
		h.Stop()
	}
}

// publish hands an event to the drain goroutine, blocking while the
// buffer is full
func (j *Job) publish(h *Handle, ev synctask.Event) {
	j.eventMu.RLock()
	defer j.eventMu.RUnlock()
	if j.closed {
		return
	}
	j.events <- taskEvent{handle: h, event: ev}
}

func (j *Job) isClosed() bool {
	j.eventMu.RLock()
	defer j.eventMu.RUnlock()
	return j.closed
}

// Close stops event delivery and waits for pending events to be handled.
// Run closes the job when it returns.
func (j *Job) Close() {
	j.eventMu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.eventMu.Unlock()
	<-j.drained
}

func (j *Job) drain() {
	defer close(j.drained)

	applied := make(map[*Handle]int64)
	for te := range j.events {
		h, ev := te.handle, te.event
		logger := j.deps.Logger.With(
			zap.String("task_id", ev.TaskID),
			zap.String("event", ev.Type.String()),
		)

		switch ev.Type {
		case synctask.EventStarted:
			logger.Info("Task started", zap.Int64("completed", ev.Completed))
		case synctask.EventProgressed:
			// a retry replays rows up to its resume point; count them once
			delta := ev.Completed - applied[h]
			if delta > 0 {
				applied[h] = ev.Completed
			}
			logger.Debug("Task progressed",
				zap.Int64("completed", ev.Completed),
				zap.Int64("estimated_total", ev.EstimatedTotal),
				zap.Duration("batch_duration", ev.BatchDuration),
			)
			if j.deps.Metrics != nil {
				j.deps.Metrics.AddRows(h.LogicTable(), delta)
				j.deps.Metrics.ObserveBatch(ev.BatchDuration)
			}
		case synctask.EventFinished:
			logger.Info("Task finished", zap.Int64("completed", ev.Completed))
		case synctask.EventFailed:
			logger.Warn("Task failed",
				zap.Int64("completed", ev.Completed),
				zap.Bool("retryable", ev.Retryable),
				zap.Bool("cancelled", ev.Cancelled),
				zap.Error(ev.Err),
			)
		}

		if j.deps.Metrics != nil && h.Kind() == synctask.KindInventory {
			j.deps.Metrics.SetProgress(h.LogicTable(), progress.Snapshot{
				EstimatedTotal: ev.EstimatedTotal,
				Completed:      ev.Completed,
				Status:         eventStatus(ev.Type),
			})
		}
	}
}

func eventStatus(t synctask.EventType) progress.Status {
	switch t {
	case synctask.EventFinished:
		return progress.StatusFinished
	case synctask.EventFailed:
		return progress.StatusFailed
	default:
		return progress.StatusRunning
	}
}
