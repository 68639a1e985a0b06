package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"shardscale/internal/cdc"
	"shardscale/internal/datasource"
	"shardscale/internal/mode"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `
log_level: debug
show_progress: false
datasources:
  ds0:
    type: sqlite
    url: /tmp/shardscale/ds0.db
  ds1:
    type: sqlite
    url: /tmp/shardscale/ds1.db
    acquire_timeout: 5s
target:
  type: mysql
  url: tcp(127.0.0.1:3306)/shop
  username: scaler
  password: secret
  max_conns: 8
rules:
  - logic_table: t_order
    actual_data_nodes: ds${0..1}.t_order_${0..1}
    primary_key: order_id
  - logic_table: t_user
    actual_data_nodes: ds0.t_user
    primary_key: id
    columns: [id, name]
job:
  id: orders-2024
  mode: BUFFERED
  batch_size: 500
  acquire_timeout_ms: 1000
incremental:
  enabled: true
  poll_interval_ms: 100
  stop_at_head: true
checkpoint:
  backend: sqlite
  path: /tmp/shardscale/checkpoint.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("concurrency", 4, "")
	flags.String("mode", "STREAMING", "")
	flags.StringSlice("tables", nil, "")
	flags.String("log-level", "info", "")
	return flags
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), testFlags())
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.ShowProgress)
	assert.Equal(t, "orders-2024", cfg.Job.ID)
	assert.Equal(t, mode.Buffered, cfg.Job.Mode)
	assert.Equal(t, 500, cfg.Job.BatchSize)
	// defaults survive a partial file
	assert.Equal(t, 4, cfg.Job.Concurrency)
	assert.Equal(t, 3, cfg.Job.Retries)
	assert.Equal(t, uint32(1001), cfg.Incremental.ServerID)
	assert.Equal(t, 5*time.Second, cfg.DataSources["ds1"].AcquireTimeout)
	assert.Equal(t, []string{"id", "name"}, cfg.Rules[1].Columns)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--concurrency=9", "--mode=streaming", "--log-level=warn"}))

	cfg, err := Load(writeConfig(t, sampleConfig), flags)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Job.Concurrency)
	assert.Equal(t, mode.Streaming, cfg.Job.Mode)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing job id", `
datasources: {ds0: {type: sqlite, url: a.db}}
target: {type: sqlite, url: b.db}
rules: [{logic_table: t, actual_data_nodes: ds0.t}]
`},
		{"unknown endpoint type", `
job: {id: j}
datasources: {ds0: {type: oracle, url: x}}
target: {type: sqlite, url: b.db}
rules: [{logic_table: t, actual_data_nodes: ds0.t}]
`},
		{"bad mode", `
job: {id: j, mode: FAST}
datasources: {ds0: {type: sqlite, url: a.db}}
target: {type: sqlite, url: b.db}
rules: [{logic_table: t, actual_data_nodes: ds0.t}]
`},
		{"redis without address", `
job: {id: j}
datasources: {ds0: {type: sqlite, url: a.db}}
target: {type: sqlite, url: b.db}
rules: [{logic_table: t, actual_data_nodes: ds0.t}]
checkpoint: {backend: redis}
`},
		{"no rules", `
job: {id: j}
datasources: {ds0: {type: sqlite, url: a.db}}
target: {type: sqlite, url: b.db}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content), nil)
			assert.Error(t, err)
		})
	}
}

func TestBuildJob(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)
	resolver, err := cfg.Resolver()
	require.NoError(t, err)

	mgr := datasource.NewManager(zap.NewNop())
	defer mgr.Close()

	jc, err := cfg.BuildJob(resolver, mgr, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "orders-2024", jc.ID)
	assert.True(t, jc.SkipFinished)
	require.Len(t, jc.Inventory, 2)

	orders := jc.Inventory[0]
	assert.Equal(t, "t_order", orders.LogicTable)
	assert.Equal(t, mode.Buffered, orders.Mode)
	require.Len(t, orders.Dumpers, 4)
	assert.Equal(t, "ds1", orders.Dumpers[3].DataSource)
	assert.Equal(t, "t_order_1", orders.Dumpers[3].Table)
	assert.Equal(t, "order_id", orders.Dumpers[3].PrimaryKey)
	assert.Equal(t, 5*time.Second, orders.Dumpers[3].Endpoint.AcquireTimeout)
	assert.Equal(t, time.Second, orders.Dumpers[0].Endpoint.AcquireTimeout)
	assert.Equal(t, "t_order", orders.Importer.Table)
	assert.Equal(t, datasource.TypeMySQL, orders.Importer.Endpoint.Type)

	// one change stream per data node; a single node keeps the plain name
	require.Len(t, jc.Incremental, 5)
	assert.Equal(t, "t_order@ds0.t_order_0", jc.Incremental[0].Name())
	assert.Equal(t, "t_user", jc.Incremental[4].Name())
	_, ok := jc.Incremental[0].Source.(*cdc.ChangelogSource)
	assert.True(t, ok)
}

func TestBuildJob_SelectedTables(t *testing.T) {
	flags := testFlags()
	require.NoError(t, flags.Parse([]string{"--tables=t_user"}))
	cfg, err := Load(writeConfig(t, sampleConfig), flags)
	require.NoError(t, err)
	cfg.Incremental.Enabled = false

	resolver, err := cfg.Resolver()
	require.NoError(t, err)
	jc, err := cfg.BuildJob(resolver, datasource.NewManager(zap.NewNop()), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, jc.Inventory, 1)
	assert.Equal(t, "t_user", jc.Inventory[0].LogicTable)
	assert.Empty(t, jc.Incremental)
}

func TestBuildJob_UnsupportedCapture(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig), nil)
	require.NoError(t, err)
	cfg.DataSources["ds0"] = datasource.EndpointConfig{Type: datasource.TypePostgreSQL, URL: "postgres://localhost/shop"}

	resolver, err := cfg.Resolver()
	require.NoError(t, err)
	_, err = cfg.BuildJob(resolver, datasource.NewManager(zap.NewNop()), zap.NewNop())
	assert.ErrorContains(t, err, "incremental capture is not supported")
}
