package config

import (
	"fmt"
	"os"
	"time"

	"shardscale/internal/datasource"
	"shardscale/internal/mode"
	"shardscale/internal/sharding"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Checkpoint backends
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config represents the application configuration
type Config struct {
	DataSources  map[string]datasource.EndpointConfig `yaml:"datasources"`
	Target       datasource.EndpointConfig            `yaml:"target"`
	Rules        []sharding.TableRule                 `yaml:"rules"`
	Job          Job                                  `yaml:"job"`
	Incremental  Incremental                          `yaml:"incremental"`
	Checkpoint   Checkpoint                           `yaml:"checkpoint"`
	MetricsAddr  string                               `yaml:"metrics_addr"`
	LogLevel     string                               `yaml:"log_level"`
	ShowProgress bool                                 `yaml:"show_progress"`
}

// Job represents job-specific configuration
type Job struct {
	ID               string              `yaml:"id"`
	Tables           []string            `yaml:"tables"`      // logic tables to migrate, all rules when empty
	Concurrency      int                 `yaml:"concurrency"` // table tasks in flight
	RangeConcurrency int                 `yaml:"range_concurrency"`
	Splits           int                 `yaml:"splits"`
	BatchSize        int                 `yaml:"batch_size"`
	Mode             mode.ConnectionMode `yaml:"mode"`
	Retries          int                 `yaml:"retries"`
	RetryBackoffMs   int                 `yaml:"retry_backoff_ms"`
	AcquireTimeoutMs int                 `yaml:"acquire_timeout_ms"`
	Resume           bool                `yaml:"resume"`
	DryRun           bool                `yaml:"dry_run"`
}

// Incremental configures change capture after the inventory copy
type Incremental struct {
	Enabled        bool   `yaml:"enabled"`
	ServerID       uint32 `yaml:"server_id"`
	Flavor         string `yaml:"flavor"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
	StopAtHead     bool   `yaml:"stop_at_head"`
	BatchSize      int    `yaml:"batch_size"`
	LingerMs       int    `yaml:"linger_ms"`
}

// Checkpoint selects where positions and task status are kept
type Checkpoint struct {
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Load loads configuration from file and command line flags
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := &Config{
		LogLevel:     "info",
		ShowProgress: true,
		Job: Job{
			Concurrency:      4,
			RangeConcurrency: 1,
			Splits:           1,
			BatchSize:        1000,
			Mode:             mode.Streaming,
			Retries:          3,
			RetryBackoffMs:   500,
			AcquireTimeoutMs: 30000,
			Resume:           true,
		},
		Incremental: Incremental{
			ServerID:       1001,
			PollIntervalMs: 500,
			BatchSize:      1000,
			LingerMs:       50,
		},
		Checkpoint: Checkpoint{
			Backend: BackendSQLite,
			Path:    "./checkpoint.db",
		},
	}

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("job-id") {
		cfg.Job.ID, _ = flags.GetString("job-id")
	}
	if flags.Changed("tables") {
		cfg.Job.Tables, _ = flags.GetStringSlice("tables")
	}
	if flags.Changed("concurrency") {
		cfg.Job.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("range-concurrency") {
		cfg.Job.RangeConcurrency, _ = flags.GetInt("range-concurrency")
	}
	if flags.Changed("splits") {
		cfg.Job.Splits, _ = flags.GetInt("splits")
	}
	if flags.Changed("batch-size") {
		cfg.Job.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("mode") {
		s, _ := flags.GetString("mode")
		m, err := mode.Parse(s)
		if err != nil {
			return err
		}
		cfg.Job.Mode = m
	}
	if flags.Changed("retries") {
		cfg.Job.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Job.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("resume") {
		cfg.Job.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("dry-run") {
		cfg.Job.DryRun, _ = flags.GetBool("dry-run")
	}

	if flags.Changed("incremental") {
		cfg.Incremental.Enabled, _ = flags.GetBool("incremental")
	}
	if flags.Changed("stop-at-head") {
		cfg.Incremental.StopAtHead, _ = flags.GetBool("stop-at-head")
	}
	if flags.Changed("server-id") {
		cfg.Incremental.ServerID, _ = flags.GetUint32("server-id")
	}

	if flags.Changed("checkpoint") {
		cfg.Checkpoint.Path, _ = flags.GetString("checkpoint")
	}
	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoint.Backend, _ = flags.GetString("checkpoint-backend")
	}
	if flags.Changed("redis-addr") {
		cfg.Checkpoint.RedisAddr, _ = flags.GetString("redis-addr")
	}

	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if len(c.DataSources) == 0 {
		return fmt.Errorf("at least one datasource is required")
	}
	for name, ds := range c.DataSources {
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("datasource %s: %w", name, err)
		}
	}
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("target: %w", err)
	}
	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}

	if c.Job.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Job.RangeConcurrency <= 0 {
		return fmt.Errorf("range concurrency must be positive")
	}
	if c.Job.Splits <= 0 {
		return fmt.Errorf("splits must be positive")
	}
	if c.Job.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if !c.Job.Mode.Valid() {
		return fmt.Errorf("invalid mode %s", c.Job.Mode)
	}
	if c.Job.Retries < 0 || c.Job.RetryBackoffMs < 0 || c.Job.AcquireTimeoutMs < 0 {
		return fmt.Errorf("retries and timeouts must not be negative")
	}

	if c.Incremental.Enabled && c.Incremental.BatchSize <= 0 {
		return fmt.Errorf("incremental batch size must be positive")
	}

	switch c.Checkpoint.Backend {
	case BackendSQLite:
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint path is required")
		}
	case BackendRedis:
		if c.Checkpoint.RedisAddr == "" {
			return fmt.Errorf("redis address is required for the redis checkpoint backend")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}

	return nil
}

// AcquireTimeout is the job-wide default pool acquire timeout
func (c *Config) AcquireTimeout() time.Duration {
	return time.Duration(c.Job.AcquireTimeoutMs) * time.Millisecond
}
