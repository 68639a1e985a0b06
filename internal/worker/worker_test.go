package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shardscale/internal/checkpoint"
	"shardscale/internal/datasource"
	"shardscale/internal/metrics"
	"shardscale/internal/position"
	"shardscale/internal/progress"
	"shardscale/internal/synctask"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// attempt is a synctask.Task whose Start returns a scripted error
type attempt struct {
	kind synctask.Kind
	err  error
	snap progress.Snapshot
}

func (a *attempt) ID() string                  { return "job/t_order/" + string(a.kind) }
func (a *attempt) Kind() synctask.Kind         { return a.kind }
func (a *attempt) Stop()                       {}
func (a *attempt) Progress() progress.Snapshot { return a.snap }

func (a *attempt) Start(_ context.Context, listener synctask.Listener) error {
	listener(synctask.Event{TaskID: a.ID(), Kind: a.kind, Type: synctask.EventStarted})
	if a.err != nil {
		a.snap.Status = progress.StatusFailed
		return a.err
	}
	a.snap = progress.Snapshot{EstimatedTotal: 3, Completed: 3, Status: progress.StatusFinished}
	return nil
}

// scripted is a worker Task failing with errs in turn, then succeeding
type scripted struct {
	mu        sync.Mutex
	table     string
	kind      synctask.Kind
	errs      []error
	positions []position.Map
	events    []synctask.Event
	stopCh    chan struct{}
	done      chan Result
}

func newScripted(table string, errs ...error) *scripted {
	return &scripted{
		table:  table,
		kind:   synctask.KindInventory,
		errs:   errs,
		stopCh: make(chan struct{}),
		done:   make(chan Result, 1),
	}
}

func (s *scripted) JobID() string       { return "job" }
func (s *scripted) Table() string       { return s.table }
func (s *scripted) Kind() synctask.Kind { return s.kind }

func (s *scripted) NewAttempt(positions position.Map) (synctask.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = append(s.positions, positions)
	a := &attempt{kind: s.kind, snap: progress.Snapshot{EstimatedTotal: progress.Unknown, Status: progress.StatusPreparing}}
	if n := len(s.positions); n <= len(s.errs) {
		a.err = s.errs[n-1]
	}
	return a, nil
}

func (s *scripted) Listen(ev synctask.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *scripted) Stopped() <-chan struct{} { return s.stopCh }
func (s *scripted) Finish(result Result)     { s.done <- result }

func (s *scripted) attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

func connErr() error {
	return &datasource.ConnectionError{Op: "acquire", Endpoint: "target", Err: errors.New("connection refused")}
}

func newStore(t *testing.T) *checkpoint.SQLiteStore {
	t.Helper()
	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestProcess_RetriesConnectionErrors(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, checkpoint.NewCheckpointer(store, "job", "t_order").SavePosition(ctx, "ds0.t_order#0", &position.FinishedPosition{Rows: 3}))

	collector := metrics.New()
	p := NewTaskProcessor(Config{Retries: 2, RetryBackoffMs: 1}, store, collector, zap.NewNop())
	task := newScripted("t_order", connErr(), connErr())
	p.Process(ctx, task)

	result := <-task.done
	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, int64(3), result.Progress.Completed)

	// every attempt resumes from the stored positions
	for _, positions := range task.positions {
		assert.Equal(t, &position.FinishedPosition{Rows: 3}, positions["ds0.t_order#0"])
	}

	record, err := store.GetTask(ctx, "job", "t_order", "inventory")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, checkpoint.StatusFinished, record.Status)
	assert.Equal(t, 3, record.Attempts)
	count, err := testutil.GatherAndCount(collector.Registry(), "shardscale_tasks_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProcess_ExecuteErrorIsNotRetried(t *testing.T) {
	store := newStore(t)
	p := NewTaskProcessor(Config{Retries: 5, RetryBackoffMs: 1}, store, nil, zap.NewNop())

	cause := &synctask.SyncTaskExecuteError{TaskID: "job/t_order/inventory", Reason: "estimate rows", Err: datasource.ErrTableNotFound}
	task := newScripted("t_order", cause)
	p.Process(context.Background(), task)

	result := <-task.done
	assert.ErrorIs(t, result.Err, datasource.ErrTableNotFound)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, task.attempts())

	failed, err := store.ListFailedTasks(context.Background(), "job")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].LastError, "table not found")
}

func TestProcess_CancelledIsNotRetried(t *testing.T) {
	p := NewTaskProcessor(Config{Retries: 5, RetryBackoffMs: 1}, nil, nil, zap.NewNop())
	task := newScripted("t_order", synctask.ErrCancelled)
	p.Process(context.Background(), task)

	result := <-task.done
	assert.ErrorIs(t, result.Err, synctask.ErrCancelled)
	assert.Equal(t, 1, task.attempts())
}

func TestProcess_RetriesExhausted(t *testing.T) {
	p := NewTaskProcessor(Config{Retries: 2, RetryBackoffMs: 1}, nil, nil, zap.NewNop())
	task := newScripted("t_order", connErr(), connErr(), connErr(), connErr())
	p.Process(context.Background(), task)

	result := <-task.done
	assert.True(t, synctask.IsRetryable(result.Err))
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 3, task.attempts())
}

func TestProcess_StopDuringBackoff(t *testing.T) {
	p := NewTaskProcessor(Config{Retries: 3, RetryBackoffMs: 60_000}, nil, nil, zap.NewNop())
	task := newScripted("t_order", connErr())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(task.stopCh)
	}()
	p.Process(context.Background(), task)

	result := <-task.done
	assert.ErrorIs(t, result.Err, synctask.ErrCancelled)
	assert.Equal(t, 1, task.attempts())
}

func TestProcess_SkipFinished(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveTaskStatus(ctx, &checkpoint.TaskRecord{
		JobID: "job", Table: "t_order", Kind: "inventory", Status: checkpoint.StatusFinished, Completed: 9, EstimatedTotal: 9,
	}))

	p := NewTaskProcessor(Config{SkipFinished: true}, store, nil, zap.NewNop())
	task := newScripted("t_order")
	p.Process(ctx, task)

	result := <-task.done
	assert.True(t, result.Skipped)
	assert.Equal(t, int64(9), result.Progress.Completed)
	assert.Equal(t, 0, task.attempts())
}

func TestCalculateBackoff(t *testing.T) {
	p := &TaskProcessor{config: Config{RetryBackoffMs: 100}}
	assert.Equal(t, 100*time.Millisecond, p.calculateBackoff(1))
	assert.Equal(t, 400*time.Millisecond, p.calculateBackoff(3))
	assert.Equal(t, maxBackoff, p.calculateBackoff(30))
}

func TestPool_RunsEveryTask(t *testing.T) {
	pool := NewPool("test", 2, Config{Retries: 1, RetryBackoffMs: 1}, newStore(t), metrics.New(), zap.NewNop())
	require.Equal(t, 2, pool.Size())

	tasks := make(chan Task)
	var wg sync.WaitGroup
	pool.Start(context.Background(), tasks, &wg)

	submitted := []*scripted{
		newScripted("t_order"),
		newScripted("t_user", connErr()),
		newScripted("t_item"),
	}
	for _, task := range submitted {
		tasks <- task
	}
	close(tasks)
	wg.Wait()

	for _, task := range submitted {
		result := <-task.done
		assert.NoError(t, result.Err, task.table)
	}
	assert.Equal(t, 2, submitted[1].attempts())
}
