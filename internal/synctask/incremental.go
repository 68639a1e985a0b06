package synctask

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"shardscale/internal/cdc"
	"shardscale/internal/datasource"
	"shardscale/internal/progress"

	"go.uber.org/zap"
)

// IncrementalTask replays row changes of one logical table onto the
// importer table. Its estimate stays unknown and Completed counts applied
// changes.
type IncrementalTask struct {
	lifecycle

	cfg          IncrementalConfig
	mgr          *datasource.Manager
	checkpointer Checkpointer
	logger       *zap.Logger
}

var _ Task = (*IncrementalTask)(nil)

// NewIncrementalTask creates an incremental task
func NewIncrementalTask(cfg IncrementalConfig, mgr *datasource.Manager, checkpointer Checkpointer, logger *zap.Logger) (*IncrementalTask, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid incremental config: %w", err)
	}
	if checkpointer == nil {
		checkpointer = nopCheckpointer{}
	}
	return &IncrementalTask{
		lifecycle:    newLifecycle(cfg.TaskID(), KindIncremental),
		cfg:          cfg,
		mgr:          mgr,
		checkpointer: checkpointer,
		logger:       logger.With(zap.String("task_id", cfg.TaskID())),
	}, nil
}

// Start replays changes until the stream ends or the task is stopped
func (t *IncrementalTask) Start(ctx context.Context, listener Listener) error {
	if err := t.begin(listener); err != nil {
		return err
	}

	err := t.run(ctx)
	completed := t.tracker.Snapshot().Completed
	switch {
	case err == nil:
		t.logger.Info("Incremental task finished", zap.Int64("applied", completed))
	case errors.Is(err, ErrCancelled):
		t.logger.Info("Incremental task stopped", zap.Int64("applied", completed))
	default:
		t.logger.Warn("Incremental task failed", zap.Int64("applied", completed), zap.Error(err))
	}
	return t.finish(err)
}

func (t *IncrementalTask) run(ctx context.Context) error {
	if t.stopped() {
		return ErrCancelled
	}

	importer, err := t.mgr.Acquire(ctx, t.cfg.Importer.Endpoint)
	if err != nil {
		return err
	}
	defer importer.Release()

	// Stop interrupts the blocking read but never an apply in flight
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-readCtx.Done():
		}
	}()

	stream, err := t.cfg.Source.Open(readCtx, t.cfg.Start)
	if err != nil {
		if t.stopped() {
			return ErrCancelled
		}
		return fmt.Errorf("failed to open change stream: %w", err)
	}
	defer stream.Close()

	// a rerun resumes from the start even when nothing gets applied
	if t.cfg.Start != nil {
		if err := t.checkpointer.SavePosition(ctx, StreamRangeID, t.cfg.Start); err != nil {
			return fmt.Errorf("failed to save stream position: %w", err)
		}
	}

	t.tracker.SetStatus(progress.StatusRunning)
	t.logger.Info("Incremental task running", zap.Any("from", t.cfg.Start))

	for {
		batch, readErr := t.read(readCtx, stream)
		if len(batch) > 0 {
			if err := t.apply(ctx, importer, batch); err != nil {
				return err
			}
		}
		if readErr == nil {
			continue
		}
		switch {
		case errors.Is(readErr, io.EOF):
			return nil
		case t.stopped():
			return ErrCancelled
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("failed to read change stream: %w", readErr)
		}
	}
}

// read blocks for one change, then gathers more until the batch is full or
// no change arrives within the linger interval.
func (t *IncrementalTask) read(ctx context.Context, stream cdc.Stream) ([]cdc.Change, error) {
	first, err := stream.Next(ctx)
	if err != nil {
		return nil, err
	}

	batch := []cdc.Change{first}
	for len(batch) < t.cfg.BatchSize {
		lingerCtx, cancel := context.WithTimeout(ctx, t.cfg.Linger)
		c, err := stream.Next(lingerCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return batch, nil
			}
			return batch, err
		}
		batch = append(batch, c)
	}
	return batch, nil
}

// apply writes a batch of changes in one transaction and persists the
// position of the last one.
func (t *IncrementalTask) apply(ctx context.Context, lease *datasource.Lease, batch []cdc.Change) error {
	started := time.Now()
	d := lease.Dialect()
	table := t.cfg.Importer.Table
	keys := t.cfg.KeyColumns

	err := inTx(ctx, lease, func(tx *sql.Tx) error {
		for _, c := range batch {
			switch c.Operation {
			case cdc.OperationInsert, cdc.OperationUpdate:
				if c.Operation == cdc.OperationUpdate && c.Before != nil {
					// a changed key leaves the old row behind unless removed
					before, err := t.keyValues(c, c.Before)
					if err != nil {
						return err
					}
					after, err := t.keyValues(c, c.After)
					if err != nil {
						return err
					}
					if !reflect.DeepEqual(before, after) {
						if _, err := tx.ExecContext(ctx, d.DeleteSQL(table, keys), before...); err != nil {
							return classify(lease, "apply", fmt.Errorf("failed to delete %s row: %w", table, err))
						}
					}
				}
				if _, err := tx.ExecContext(ctx, d.UpsertSQL(table, c.Columns, keys, 1), c.After...); err != nil {
					return classify(lease, "apply", fmt.Errorf("failed to apply %s to %s: %w", c.Operation, table, err))
				}
			case cdc.OperationDelete:
				values, err := t.keyValues(c, c.Before)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, d.DeleteSQL(table, keys), values...); err != nil {
					return classify(lease, "apply", fmt.Errorf("failed to delete %s row: %w", table, err))
				}
			default:
				return &SyncTaskExecuteError{TaskID: t.id, Reason: fmt.Sprintf("unsupported change %s", c.Operation)}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if last := batch[len(batch)-1].Position; last != nil {
		if err := t.checkpointer.SavePosition(ctx, StreamRangeID, last); err != nil {
			return fmt.Errorf("failed to save stream position: %w", err)
		}
	}
	t.advance(int64(len(batch)), time.Since(started))
	return nil
}

func (t *IncrementalTask) keyValues(c cdc.Change, row []any) ([]any, error) {
	values := make([]any, len(t.cfg.KeyColumns))
	for i, key := range t.cfg.KeyColumns {
		idx := indexOf(c.Columns, key)
		if idx < 0 || idx >= len(row) {
			return nil, &SyncTaskExecuteError{TaskID: t.id, Reason: fmt.Sprintf("key column %q missing from %s change on %s", key, c.Operation, c.Table)}
		}
		values[i] = row[idx]
	}
	return values, nil
}
