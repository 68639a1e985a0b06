package synctask

import (
	"context"
	"io"
	"testing"

	"shardscale/internal/cdc"
	"shardscale/internal/position"
	"shardscale/internal/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// sliceSource replays fixed changes, then ends or blocks
type sliceSource struct {
	changes []cdc.Change
	block   bool
	from    position.Position
}

func (s *sliceSource) Open(_ context.Context, from position.Position) (cdc.Stream, error) {
	s.from = from
	return &sliceStream{changes: s.changes, block: s.block}, nil
}

type sliceStream struct {
	changes []cdc.Change
	block   bool
	closed  bool
}

func (s *sliceStream) Next(ctx context.Context) (cdc.Change, error) {
	if len(s.changes) > 0 {
		c := s.changes[0]
		s.changes = s.changes[1:]
		return c, nil
	}
	if !s.block {
		return cdc.Change{}, io.EOF
	}
	<-ctx.Done()
	return cdc.Change{}, ctx.Err()
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

var orderColumns = []string{"id", "status"}

func insert(id int64, status string, seq int64) cdc.Change {
	return cdc.Change{
		Operation: cdc.OperationInsert,
		Table:     "t_order",
		Columns:   orderColumns,
		After:     []any{id, status},
		Position:  &position.SequencePosition{Seq: seq},
	}
}

func incrementalConfig(source cdc.Source, target TableConfig) IncrementalConfig {
	return IncrementalConfig{
		JobID:      "job-1",
		LogicTable: "t_order",
		Source:     source,
		Importer:   target,
		BatchSize:  2,
	}
}

func TestIncrementalTask_AppliesChanges(t *testing.T) {
	target := sqliteEndpoint(t, "target")
	createTarget(t, target)

	source := &sliceSource{changes: []cdc.Change{
		insert(1, "new", 1),
		insert(2, "new", 2),
		{
			Operation: cdc.OperationUpdate,
			Table:     "t_order",
			Columns:   orderColumns,
			Before:    []any{int64(1), "new"},
			After:     []any{int64(1), "paid"},
			Position:  &position.SequencePosition{Seq: 3},
		},
		{
			Operation: cdc.OperationDelete,
			Table:     "t_order",
			Columns:   orderColumns,
			Before:    []any{int64(2), "new"},
			Position:  &position.SequencePosition{Seq: 4},
		},
		{
			Operation: cdc.OperationUpdate,
			Table:     "t_order",
			Columns:   orderColumns,
			Before:    []any{int64(1), "paid"},
			After:     []any{int64(7), "paid"},
			Position:  &position.SequencePosition{Seq: 5},
		},
	}}

	cp := newMemCheckpointer()
	cfg := incrementalConfig(source, TableConfig{Endpoint: target, Table: "t_order", PrimaryKey: "id"})
	cfg.Start = &position.SequencePosition{Seq: 0}
	task, err := NewIncrementalTask(cfg, newManager(t), cp, zap.NewNop())
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, task.Start(context.Background(), rec.listen))

	assert.Equal(t, &position.SequencePosition{Seq: 0}, source.from)
	assert.Equal(t, &position.SequencePosition{Seq: 5}, cp.get(StreamRangeID))

	snap := task.Progress()
	assert.Equal(t, int64(5), snap.Completed)
	assert.Equal(t, progress.Unknown, snap.EstimatedTotal)
	assert.Equal(t, progress.StatusFinished, snap.Status)

	var id int64
	var status string
	db := openDB(t, target)
	require.NoError(t, db.QueryRow("SELECT id, status FROM t_order").Scan(&id, &status))
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "paid", status)
	assert.Equal(t, int64(1), countRows(t, target, "t_order"))

	var last int64
	for _, e := range rec.progressed() {
		assert.Greater(t, e.Completed, last)
		assert.Equal(t, progress.Unknown, e.EstimatedTotal)
		last = e.Completed
	}
	assert.Len(t, rec.progressed(), 3)
}

func TestIncrementalTask_SavesStartPosition(t *testing.T) {
	target := sqliteEndpoint(t, "target")
	createTarget(t, target)

	cp := newMemCheckpointer()
	cfg := incrementalConfig(&sliceSource{}, TableConfig{Endpoint: target, Table: "t_order", PrimaryKey: "id"})
	cfg.Start = &position.SequencePosition{Seq: 42}
	task, err := NewIncrementalTask(cfg, newManager(t), cp, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, task.Start(context.Background(), nil))
	assert.Equal(t, &position.SequencePosition{Seq: 42}, cp.get(StreamRangeID))
	assert.Equal(t, int64(0), task.Progress().Completed)
}

func TestIncrementalTask_StopInterruptsRead(t *testing.T) {
	target := sqliteEndpoint(t, "target")
	createTarget(t, target)

	source := &sliceSource{changes: []cdc.Change{insert(1, "new", 1)}, block: true}
	cfg := incrementalConfig(source, TableConfig{Endpoint: target, Table: "t_order", PrimaryKey: "id"})
	cfg.BatchSize = 1
	task, err := NewIncrementalTask(cfg, newManager(t), nil, zap.NewNop())
	require.NoError(t, err)

	rec := &recorder{}
	err = task.Start(context.Background(), func(e Event) {
		rec.listen(e)
		if e.Type == EventProgressed {
			task.Stop()
		}
	})
	require.ErrorIs(t, err, ErrCancelled)

	assert.Equal(t, int64(1), task.Progress().Completed)
	assert.Equal(t, int64(1), countRows(t, target, "t_order"))
	events := rec.all()
	assert.True(t, events[len(events)-1].Cancelled)
	assert.Equal(t, progress.StatusFailed, task.Progress().Status)
}

func TestIncrementalTask_MissingKeyColumnFails(t *testing.T) {
	target := sqliteEndpoint(t, "target")
	createTarget(t, target)

	source := &sliceSource{changes: []cdc.Change{{
		Operation: cdc.OperationDelete,
		Table:     "t_order",
		Columns:   []string{"status"},
		Before:    []any{"new"},
	}}}
	task, err := NewIncrementalTask(incrementalConfig(source, TableConfig{Endpoint: target, Table: "t_order", PrimaryKey: "id"}), newManager(t), nil, zap.NewNop())
	require.NoError(t, err)

	err = task.Start(context.Background(), nil)
	assert.True(t, IsExecuteError(err))
	assert.Equal(t, int64(0), task.Progress().Completed)
}

func TestNewIncrementalTask_RequiresKeys(t *testing.T) {
	source := &sliceSource{}
	_, err := NewIncrementalTask(incrementalConfig(source, TableConfig{Endpoint: sqliteEndpoint(t, "t"), Table: "t_order"}), newManager(t), nil, zap.NewNop())
	assert.Error(t, err)
}

func TestChannelListener(t *testing.T) {
	ch := make(chan Event, 1)
	ChannelListener(ch)(Event{TaskID: "x", Type: EventStarted})
	e := <-ch
	assert.Equal(t, "x", e.TaskID)
	assert.Equal(t, "started", e.Type.String())
}
