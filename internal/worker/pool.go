package worker

import (
	"context"
	"sync"

	"shardscale/internal/checkpoint"
	"shardscale/internal/metrics"

	"go.uber.org/zap"
)

// Pool runs table tasks on a fixed number of workers
type Pool struct {
	name       string
	size       int
	config     Config
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewPool creates a pool of size workers; name tags its log lines
func NewPool(
	name string,
	size int,
	config Config,
	checkpointStore checkpoint.Store,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		name:       name,
		size:       size,
		config:     config,
		checkpoint: checkpointStore,
		metrics:    metricsCollector,
		logger:     logger.With(zap.String("pool", name)),
	}
}

// Size is the number of workers
func (p *Pool) Size() int { return p.size }

// Start starts the workers. They exit when tasks is closed or ctx ends;
// wg is done once all of them returned.
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, wg *sync.WaitGroup) {
	p.logger.Debug("Starting workers", zap.Int("size", p.size))
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	processor := NewTaskProcessor(p.config, p.checkpoint, p.metrics, logger)

	processed := 0
	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks", zap.Int("processed", processed))
				return
			}
			processor.Process(ctx, task)
			processed++

		case <-ctx.Done():
			logger.Debug("Worker stopped - context cancelled", zap.Int("processed", processed))
			return
		}
	}
}
