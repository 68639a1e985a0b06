package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"shardscale/internal/app"
	"shardscale/internal/config"
	"shardscale/internal/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "shardscale",
	Short: "Migrate sharded tables between data sources",
	Long:  `A resumable data migration tool that copies sharded tables into a target data source and keeps them in sync with change capture, with checkpointing, retry, and monitoring.`,
	RunE:  runMigration,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")

	// Job flags
	rootCmd.Flags().String("job-id", "", "Job identifier (required)")
	rootCmd.Flags().StringSlice("tables", nil, "Logic tables to migrate (default all rules)")
	rootCmd.Flags().Int("concurrency", 4, "Number of table tasks running at once")
	rootCmd.Flags().Int("range-concurrency", 1, "Number of ranges copied at once per table")
	rootCmd.Flags().Int("splits", 1, "Number of primary key ranges per data node")
	rootCmd.Flags().Int("batch-size", 1000, "Rows per import batch")
	rootCmd.Flags().String("mode", "STREAMING", "Connection mode (STREAMING/BUFFERED)")
	rootCmd.Flags().Int("retries", 3, "Maximum retry attempts after a connection failure")
	rootCmd.Flags().Int("retry-backoff-ms", 500, "Initial retry backoff in milliseconds")
	rootCmd.Flags().Bool("resume", true, "Resume from checkpoint and skip finished tables")
	rootCmd.Flags().Bool("dry-run", false, "Estimate table sizes without migrating")

	// Change capture flags
	rootCmd.Flags().Bool("incremental", false, "Capture changes after the inventory copy")
	rootCmd.Flags().Bool("stop-at-head", false, "Stop change capture once it reaches the current head")
	rootCmd.Flags().Uint32("server-id", 1001, "First binlog replica server id")

	// Checkpoint flags
	rootCmd.Flags().String("checkpoint", "./checkpoint.db", "Checkpoint database file")
	rootCmd.Flags().String("checkpoint-backend", "sqlite", "Checkpoint backend (sqlite/redis)")
	rootCmd.Flags().String("redis-addr", "", "Redis address for the redis checkpoint backend")

	rootCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on")
	rootCmd.Flags().String("log-level", "info", "Log level (debug/info/warn/error)")
	rootCmd.Flags().Bool("show-progress", true, "Show progress display")
}

func runMigration(cmd *cobra.Command, args []string) error {
	// Load configuration
	var err error
	cfg, err = config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Create application
	migrator, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("Received shutdown signal, gracefully stopping...")
		cancel()
	}()

	// Run migration
	err = migrator.Run(ctx)

	// Close migrator resources after migration completes or is cancelled
	if closeErr := migrator.Close(); closeErr != nil {
		log.Error("Error closing migrator", zap.Error(closeErr))
	}

	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
