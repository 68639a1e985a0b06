package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shardscale/internal/cdc"
	"shardscale/internal/checkpoint"
	"shardscale/internal/config"
	"shardscale/internal/datasource"
	"shardscale/internal/job"
	"shardscale/internal/metrics"
	"shardscale/internal/progress"
	"shardscale/internal/synctask"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const storeConnectTimeout = 10 * time.Second

// installer is implemented by change sources that must prepare the source
// store before capture starts
type installer interface {
	Install(ctx context.Context) error
}

// Migrator represents the main migration application
type Migrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	manager    *datasource.Manager
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	jobConfig  job.Config
	report     *job.Report
}

// New creates a new migrator instance
func New(cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	manager := datasource.NewManager(logger)

	// Create checkpoint store
	checkpointStore, err := openStore(cfg.Checkpoint)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	resolver, err := cfg.Resolver()
	if err != nil {
		checkpointStore.Close()
		manager.Close()
		return nil, fmt.Errorf("failed to build sharding rules: %w", err)
	}
	jobConfig, err := cfg.BuildJob(resolver, manager, logger)
	if err != nil {
		checkpointStore.Close()
		manager.Close()
		return nil, fmt.Errorf("failed to build job: %w", err)
	}

	return &Migrator{
		cfg:        cfg,
		logger:     logger,
		manager:    manager,
		checkpoint: checkpointStore,
		metrics:    metrics.New(),
		jobConfig:  jobConfig,
	}, nil
}

func openStore(cfg config.Checkpoint) (checkpoint.Store, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
		defer cancel()
		client, err := checkpoint.NewRedisClient(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		return checkpoint.NewRedisStore(client), nil
	default:
		return checkpoint.NewSQLiteStore(cfg.Path)
	}
}

// Run executes the migration job. Cancelling ctx stops the tasks
// gracefully: batches being applied complete and their positions are saved.
func (m *Migrator) Run(ctx context.Context) error {
	m.logger.Info("Starting migration",
		zap.String("job_id", m.jobConfig.ID),
		zap.Int("tables", len(m.jobConfig.Inventory)),
		zap.Int("change_streams", len(m.jobConfig.Incremental)),
		zap.Int("concurrency", m.jobConfig.Concurrency),
		zap.Stringer("mode", m.cfg.Job.Mode),
		zap.Bool("dry_run", m.cfg.Job.DryRun),
	)

	if m.cfg.Job.DryRun {
		_, err := NewTableLister(m.manager, m.logger).List(ctx, m.jobConfig.Inventory)
		return err
	}

	// Start metrics server in a goroutine with error handling
	if m.cfg.MetricsAddr != "" {
		go func() {
			if err := m.metrics.StartServer(m.cfg.MetricsAddr); err != nil {
				m.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	if err := m.prepareCapture(ctx); err != nil {
		return err
	}
	earlier := m.earlierFailures(ctx)

	j, err := job.New(m.jobConfig, job.Deps{
		Manager: m.manager,
		Store:   m.checkpoint,
		Metrics: m.metrics,
		Logger:  m.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	handles, err := j.Submit()
	if err != nil {
		j.Close()
		return fmt.Errorf("failed to submit tasks: %w", err)
	}

	// Create progress display if enabled and supported
	var progressDisplay *progress.Display
	if m.cfg.ShowProgress && progress.IsTerminalSupported() {
		board := progress.NewBoard()
		for _, h := range handles {
			board.Add(h.Table()+" "+string(h.Kind()), h)
		}
		progressDisplay = progress.NewDisplay(board, 2*time.Second)
		progressDisplay.Start()
		m.logger.Info("Progress display enabled")
	} else if !m.cfg.ShowProgress {
		m.logger.Info("Progress display disabled (disabled in config)")
	} else {
		m.logger.Info("Progress display disabled (unsupported terminal)")
	}

	// the job runs on a context that outlives ctx, so a shutdown stops
	// tasks between batches instead of aborting writes
	runDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping job")
			j.Stop()
		case <-runDone:
		}
	}()
	report, err := j.Run(context.WithoutCancel(ctx))
	close(runDone)

	// Stop progress display if it was started
	if progressDisplay != nil {
		progressDisplay.Stop()
	}
	if err != nil {
		return err
	}

	m.report = report
	return m.summarize(report, earlier)
}

// prepareCapture installs change capture and fixes the start of every
// change stream before the inventory copy begins. A pinned head is saved
// at once, so a run that fails during the inventory copy still replays
// every change made since the first attempt.
func (m *Migrator) prepareCapture(ctx context.Context) error {
	for i := range m.jobConfig.Incremental {
		inc := &m.jobConfig.Incremental[i]
		if in, ok := inc.Source.(installer); ok {
			if err := in.Install(ctx); err != nil {
				return fmt.Errorf("failed to install change capture for %s: %w", inc.Name(), err)
			}
		}
		if inc.Start != nil {
			continue
		}

		saved, err := m.checkpoint.LoadPositions(ctx, m.jobConfig.ID, inc.Name())
		if err != nil {
			return fmt.Errorf("failed to load stream position of %s: %w", inc.Name(), err)
		}
		if p, ok := saved[synctask.StreamRangeID]; ok {
			inc.Start = p
			m.logger.Info("Resuming change stream",
				zap.String("table", inc.Name()),
				zap.Stringer("position", p),
			)
			continue
		}

		head, ok := inc.Source.(cdc.HeadReader)
		if !ok {
			continue
		}
		p, err := head.CurrentPosition(ctx)
		if err != nil {
			return fmt.Errorf("failed to read change position for %s: %w", inc.Name(), err)
		}
		cp := checkpoint.NewCheckpointer(m.checkpoint, m.jobConfig.ID, inc.Name())
		if err := cp.SavePosition(ctx, synctask.StreamRangeID, p); err != nil {
			return fmt.Errorf("failed to save stream position of %s: %w", inc.Name(), err)
		}
		inc.Start = p
		m.logger.Info("Pinned change stream start",
			zap.String("table", inc.Name()),
			zap.Stringer("position", p),
		)
	}
	return nil
}

// earlierFailures returns the table tasks left failed by earlier runs of
// the job, keyed by table and kind
func (m *Migrator) earlierFailures(ctx context.Context) map[string]*checkpoint.TaskRecord {
	records, err := m.checkpoint.ListFailedTasks(ctx, m.jobConfig.ID)
	if err != nil {
		m.logger.Warn("Failed to list earlier failures", zap.Error(err))
		return nil
	}
	failed := make(map[string]*checkpoint.TaskRecord, len(records))
	for _, r := range records {
		failed[r.Table+"/"+r.Kind] = r
		m.logger.Info("Retrying table task that failed earlier",
			zap.String("table", r.Table),
			zap.String("kind", r.Kind),
			zap.Int("attempts", r.Attempts),
			zap.String("last_error", r.LastError),
		)
	}
	return failed
}

func (m *Migrator) summarize(report *job.Report, earlier map[string]*checkpoint.TaskRecord) error {
	for _, t := range report.Tables {
		fields := []zap.Field{
			zap.String("table", t.Table),
			zap.String("kind", string(t.Kind)),
			zap.String("status", string(t.Status)),
			zap.Int64("completed", t.Completed),
			zap.Int64("estimated_total", t.EstimatedTotal),
			zap.Int("attempts", t.Attempts),
			zap.Bool("skipped", t.Skipped),
		}
		if t.Err != nil {
			m.logger.Error("Table task failed", append(fields, zap.Error(t.Err))...)
			continue
		}
		if prev, ok := earlier[t.Table+"/"+string(t.Kind)]; ok {
			m.logger.Info("Table task recovered", append(fields, zap.String("earlier_error", prev.LastError))...)
			continue
		}
		m.logger.Info("Table task finished", fields...)
	}

	failed := report.Failed()
	m.logger.Info("Migration completed",
		zap.Int("tables", len(report.Tables)),
		zap.Int("failed", len(failed)),
		zap.Int64("completed", report.Completed()),
		zap.Duration("duration", report.Duration),
	)
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d table tasks failed", len(failed), len(report.Tables))
	}
	return nil
}

// Report returns the outcome of the last Run
func (m *Migrator) Report() *job.Report {
	return m.report
}

// Close cleans up resources
func (m *Migrator) Close() error {
	var errs []error
	if m.checkpoint != nil {
		errs = append(errs, m.checkpoint.Close())
	}
	errs = append(errs, m.manager.Close())
	return errors.Join(errs...)
}
