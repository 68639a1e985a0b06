package worker

import (
	"context"
	"errors"
	"math"
	"time"

	"shardscale/internal/checkpoint"
	"shardscale/internal/metrics"
	"shardscale/internal/position"
	"shardscale/internal/progress"
	"shardscale/internal/synctask"

	"go.uber.org/zap"
)

const maxBackoff = time.Minute

// TaskProcessor handles individual task processing
type TaskProcessor struct {
	config     Config
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewTaskProcessor creates a processor; store and collector may be nil
func NewTaskProcessor(config Config, store checkpoint.Store, collector *metrics.Collector, logger *zap.Logger) *TaskProcessor {
	return &TaskProcessor{config: config, checkpoint: store, metrics: collector, logger: logger}
}

// Process runs a task to termination and reports the result through Finish
func (p *TaskProcessor) Process(ctx context.Context, task Task) {
	startTime := time.Now()
	logger := p.logger.With(
		zap.String("table", task.Table()),
		zap.String("kind", string(task.Kind())),
	)

	// Check if task is already finished
	if p.config.SkipFinished && task.Kind() == synctask.KindInventory {
		if record := p.lookup(ctx, task); record != nil && record.Status == checkpoint.StatusFinished {
			logger.Info("Skipping finished task", zap.Int64("completed", record.Completed))
			p.countTask(task, "skipped")
			task.Finish(Result{
				Skipped: true,
				Progress: progress.Snapshot{
					EstimatedTotal: record.EstimatedTotal,
					Completed:      record.Completed,
					Status:         progress.StatusFinished,
					UpdatedAt:      record.UpdatedAt,
				},
			})
			return
		}
	}

	// Process with retry logic
	var lastErr error
	var snap progress.Snapshot
	attempts := 0
	for attempt := 1; attempt <= p.config.Retries+1; attempt++ {
		attempts = attempt
		var err error
		snap, err = p.processTask(ctx, task, attempt)
		if err == nil {
			p.markFinished(ctx, task, snap, attempt)
			p.countTask(task, "finished")
			logger.Info("Task completed successfully",
				zap.Int64("completed", snap.Completed),
				zap.Int("attempts", attempt),
				zap.Duration("duration", time.Since(startTime)),
			)
			task.Finish(Result{Attempts: attempt, Progress: snap, Duration: time.Since(startTime)})
			return
		}

		lastErr = err
		logger.Warn("Task attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !synctask.IsRetryable(err) || attempt > p.config.Retries {
			break
		}
		if !p.wait(ctx, task, p.calculateBackoff(attempt)) {
			lastErr = errors.Join(lastErr, synctask.ErrCancelled)
			break
		}
	}

	// Mark as failed
	p.markFailed(ctx, task, snap, attempts, lastErr)
	p.countTask(task, "failed")
	logger.Error("Task failed",
		zap.Int("attempts", attempts),
		zap.Error(lastErr),
	)
	task.Finish(Result{Err: lastErr, Attempts: attempts, Progress: snap, Duration: time.Since(startTime)})
}

func (p *TaskProcessor) processTask(ctx context.Context, task Task, attempt int) (progress.Snapshot, error) {
	select {
	case <-task.Stopped():
		return progress.Snapshot{EstimatedTotal: progress.Unknown, Status: progress.StatusFailed}, synctask.ErrCancelled
	default:
	}

	positions, err := p.loadPositions(ctx, task)
	if err != nil {
		return progress.Snapshot{EstimatedTotal: progress.Unknown, Status: progress.StatusFailed}, err
	}
	t, err := task.NewAttempt(positions)
	if err != nil {
		return progress.Snapshot{EstimatedTotal: progress.Unknown, Status: progress.StatusFailed}, err
	}

	p.markRunning(ctx, task, t.Progress(), attempt)
	if p.metrics != nil {
		p.metrics.TaskStarted()
		defer p.metrics.TaskDone()
	}

	err = t.Start(ctx, task.Listen)
	return t.Progress(), err
}

// wait sleeps d unless the context ends or the task is stopped
func (p *TaskProcessor) wait(ctx context.Context, task Task, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-task.Stopped():
		return false
	}
}

func (p *TaskProcessor) loadPositions(ctx context.Context, task Task) (position.Map, error) {
	if p.checkpoint == nil {
		return nil, nil
	}
	return p.checkpoint.LoadPositions(ctx, task.JobID(), task.Table())
}

func (p *TaskProcessor) lookup(ctx context.Context, task Task) *checkpoint.TaskRecord {
	if p.checkpoint == nil {
		return nil
	}
	record, err := p.checkpoint.GetTask(ctx, task.JobID(), task.Table(), string(task.Kind()))
	if err != nil {
		p.logger.Warn("Failed to read task status", zap.String("table", task.Table()), zap.Error(err))
		return nil
	}
	return record
}

func (p *TaskProcessor) countTask(task Task, status string) {
	if p.metrics != nil {
		p.metrics.IncTask(string(task.Kind()), status)
	}
}

func (p *TaskProcessor) markRunning(ctx context.Context, task Task, snap progress.Snapshot, attempt int) {
	p.saveStatus(ctx, task, checkpoint.StatusRunning, snap, attempt, "")
}

func (p *TaskProcessor) markFinished(ctx context.Context, task Task, snap progress.Snapshot, attempt int) {
	p.saveStatus(ctx, task, checkpoint.StatusFinished, snap, attempt, "")
}

func (p *TaskProcessor) markFailed(ctx context.Context, task Task, snap progress.Snapshot, attempt int, err error) {
	p.saveStatus(ctx, task, checkpoint.StatusFailed, snap, attempt, err.Error())
}

func (p *TaskProcessor) saveStatus(ctx context.Context, task Task, status checkpoint.TaskStatus, snap progress.Snapshot, attempt int, lastError string) {
	if p.checkpoint == nil {
		return
	}
	record := &checkpoint.TaskRecord{
		JobID:          task.JobID(),
		Table:          task.Table(),
		Kind:           string(task.Kind()),
		Status:         status,
		Completed:      snap.Completed,
		EstimatedTotal: snap.EstimatedTotal,
		Attempts:       attempt,
		LastError:      lastError,
	}

	// the status of a cancelled run is still worth recording
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := p.checkpoint.SaveTaskStatus(ctx, record); err != nil {
		if errors.Is(err, checkpoint.ErrStoreClosed) {
			p.logger.Warn("Cannot save task status - store is closed",
				zap.String("table", task.Table()),
				zap.String("status", string(status)))
			return
		}
		p.logger.Error("Failed to save task status",
			zap.String("table", task.Table()),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (p *TaskProcessor) calculateBackoff(attempt int) time.Duration {
	base := time.Duration(p.config.RetryBackoffMs) * time.Millisecond
	backoff := base * time.Duration(math.Pow(2, float64(attempt-1)))
	if backoff > maxBackoff || backoff < 0 {
		return maxBackoff
	}
	return backoff
}
