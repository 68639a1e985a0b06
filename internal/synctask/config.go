package synctask

import (
	"errors"
	"fmt"
	"time"

	"shardscale/internal/cdc"
	"shardscale/internal/datasource"
	"shardscale/internal/mode"
	"shardscale/internal/position"
)

const (
	defaultBatchSize = 1000
	defaultLinger    = 50 * time.Millisecond

	// StreamRangeID is the checkpoint key of an incremental task
	StreamRangeID = "stream"
)

// TableConfig addresses one physical table. Empty Columns means every
// column of the source table.
type TableConfig struct {
	Endpoint   datasource.EndpointConfig
	DataSource string
	LogicTable string
	Table      string
	Columns    []string
	// PrimaryKey is an integer column used for range splitting and resume
	PrimaryKey string
}

// Name returns the qualified data node name
func (c TableConfig) Name() string {
	if c.DataSource == "" {
		return c.Table
	}
	return c.DataSource + "." + c.Table
}

func (c TableConfig) validate() error {
	if c.Table == "" {
		return errors.New("table is required")
	}
	if err := c.Endpoint.Validate(); err != nil {
		return fmt.Errorf("%s: %w", c.Name(), err)
	}
	if c.PrimaryKey != "" && len(c.Columns) > 0 && !contains(c.Columns, c.PrimaryKey) {
		return fmt.Errorf("%s: primary key %q is not among the columns", c.Name(), c.PrimaryKey)
	}
	return nil
}

// SyncConfig describes the inventory copy of one logical table
type SyncConfig struct {
	JobID      string
	LogicTable string
	Dumpers    []TableConfig
	Importer   TableConfig
	Mode       mode.ConnectionMode
	BatchSize  int
	// Splits is the number of key ranges per physical table
	Splits int
	// Concurrency caps parallel range scans
	Concurrency int
	// Positions are the durable positions of a previous attempt, by range id
	Positions position.Map
}

// TaskID returns the id shared by every attempt of this table's inventory task
func (c SyncConfig) TaskID() string {
	return c.JobID + "/" + c.LogicTable + "/" + string(KindInventory)
}

// Validate checks the config and fills defaults
func (c *SyncConfig) Validate() error {
	if c.LogicTable == "" {
		return errors.New("logic table is required")
	}
	if len(c.Dumpers) == 0 {
		return fmt.Errorf("%s: at least one data node is required", c.LogicTable)
	}
	for _, d := range c.Dumpers {
		if err := d.validate(); err != nil {
			return err
		}
	}
	if c.Importer.Table == "" {
		c.Importer.Table = c.LogicTable
	}
	if err := c.Importer.validate(); err != nil {
		return fmt.Errorf("importer: %w", err)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid connection mode %d", int(c.Mode))
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Splits <= 0 {
		c.Splits = 1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return nil
}

// IncrementalConfig describes change replay into one logical table. A
// sharded table replays each data node's changes in its own task.
type IncrementalConfig struct {
	JobID      string
	LogicTable string
	// DataNode names the captured physical table, "ds.table"; empty when the
	// logical table has a single source
	DataNode string
	Source   cdc.Source
	Importer TableConfig
	// KeyColumns identify target rows for deletes; defaults to the importer primary key
	KeyColumns []string
	BatchSize  int
	// Linger bounds how long a partial batch waits for more changes
	Linger time.Duration
	// Start is where replay begins; nil means the source head
	Start position.Position
}

// Name is the logic table, qualified by the data node when set
func (c IncrementalConfig) Name() string {
	if c.DataNode == "" {
		return c.LogicTable
	}
	return c.LogicTable + "@" + c.DataNode
}

// TaskID returns the id shared by every attempt of this incremental task
func (c IncrementalConfig) TaskID() string {
	return c.JobID + "/" + c.Name() + "/" + string(KindIncremental)
}

// Validate checks the config and fills defaults
func (c *IncrementalConfig) Validate() error {
	if c.LogicTable == "" {
		return errors.New("logic table is required")
	}
	if c.Source == nil {
		return fmt.Errorf("%s: change source is required", c.LogicTable)
	}
	if c.Importer.Table == "" {
		c.Importer.Table = c.LogicTable
	}
	if err := c.Importer.validate(); err != nil {
		return fmt.Errorf("importer: %w", err)
	}
	if len(c.KeyColumns) == 0 && c.Importer.PrimaryKey != "" {
		c.KeyColumns = []string{c.Importer.PrimaryKey}
	}
	if len(c.KeyColumns) == 0 {
		return fmt.Errorf("%s: key columns are required to apply deletes", c.LogicTable)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Linger <= 0 {
		c.Linger = defaultLinger
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
