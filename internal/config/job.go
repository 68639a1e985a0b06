package config

import (
	"fmt"
	"time"

	"shardscale/internal/cdc"
	"shardscale/internal/datasource"
	"shardscale/internal/job"
	"shardscale/internal/sharding"
	"shardscale/internal/synctask"

	"go.uber.org/zap"
)

// Resolver builds the static resolver of the configured rules
func (c *Config) Resolver() (*sharding.StaticResolver, error) {
	return sharding.NewStaticResolver(c.Rules)
}

// BuildJob turns the configuration into a job config. The data nodes of
// every rule come from resolver. With incremental capture enabled each data
// node also gets a change source created on mgr.
func (c *Config) BuildJob(resolver sharding.Resolver, mgr *datasource.Manager, logger *zap.Logger) (job.Config, error) {
	jc := job.Config{
		ID:             c.Job.ID,
		Concurrency:    c.Job.Concurrency,
		Retries:        c.Job.Retries,
		RetryBackoffMs: c.Job.RetryBackoffMs,
		SkipFinished:   c.Job.Resume,
	}

	target := c.endpoint(c.Target)
	// every binlog replica needs its own server id
	serverID := c.Incremental.ServerID
	for _, rule := range c.selectedRules() {
		nodes, err := resolver.Resolve(rule.LogicTable)
		if err != nil {
			return job.Config{}, err
		}

		importer := synctask.TableConfig{
			Endpoint:   target,
			LogicTable: rule.LogicTable,
			Table:      rule.LogicTable,
			Columns:    rule.Columns,
			PrimaryKey: rule.PrimaryKey,
		}
		inventory := synctask.SyncConfig{
			JobID:       c.Job.ID,
			LogicTable:  rule.LogicTable,
			Importer:    importer,
			Mode:        c.Job.Mode,
			BatchSize:   c.Job.BatchSize,
			Splits:      c.Job.Splits,
			Concurrency: c.Job.RangeConcurrency,
		}

		for _, node := range nodes {
			ds, ok := c.DataSources[node.DataSource]
			if !ok {
				return job.Config{}, fmt.Errorf("rule %s: unknown datasource %s", rule.LogicTable, node.DataSource)
			}
			dumper := synctask.TableConfig{
				Endpoint:   c.endpoint(ds),
				DataSource: node.DataSource,
				LogicTable: rule.LogicTable,
				Table:      node.Table,
				Columns:    rule.Columns,
				PrimaryKey: rule.PrimaryKey,
			}
			inventory.Dumpers = append(inventory.Dumpers, dumper)

			if !c.Incremental.Enabled {
				continue
			}
			source, err := c.changeSource(dumper, serverID, mgr, logger)
			if err != nil {
				return job.Config{}, fmt.Errorf("rule %s: %w", rule.LogicTable, err)
			}
			if dumper.Endpoint.Type == datasource.TypeMySQL {
				serverID++
			}
			inc := synctask.IncrementalConfig{
				JobID:      c.Job.ID,
				LogicTable: rule.LogicTable,
				Source:     source,
				Importer:   importer,
				BatchSize:  c.Incremental.BatchSize,
				Linger:     time.Duration(c.Incremental.LingerMs) * time.Millisecond,
			}
			if len(nodes) > 1 {
				inc.DataNode = node.String()
			}
			jc.Incremental = append(jc.Incremental, inc)
		}
		jc.Inventory = append(jc.Inventory, inventory)
	}

	return jc, nil
}

// selectedRules returns the rules named by Job.Tables, every rule when empty
func (c *Config) selectedRules() []sharding.TableRule {
	if len(c.Job.Tables) == 0 {
		return c.Rules
	}
	wanted := make(map[string]bool, len(c.Job.Tables))
	for _, t := range c.Job.Tables {
		wanted[t] = true
	}
	var rules []sharding.TableRule
	for _, rule := range c.Rules {
		if wanted[rule.LogicTable] {
			rules = append(rules, rule)
		}
	}
	return rules
}

// endpoint applies the job-wide acquire timeout to endpoints that set none
func (c *Config) endpoint(ep datasource.EndpointConfig) datasource.EndpointConfig {
	if ep.AcquireTimeout == 0 {
		ep.AcquireTimeout = c.AcquireTimeout()
	}
	return ep
}

func (c *Config) changeSource(dumper synctask.TableConfig, serverID uint32, mgr *datasource.Manager, logger *zap.Logger) (cdc.Source, error) {
	switch dumper.Endpoint.Type {
	case datasource.TypeMySQL:
		return cdc.NewBinlogSource(cdc.BinlogConfig{
			Endpoint: dumper.Endpoint,
			ServerID: serverID,
			Flavor:   c.Incremental.Flavor,
			Table:    dumper.Table,
		}, mgr, logger)
	case datasource.TypeSQLite:
		return cdc.NewChangelogSource(cdc.ChangelogConfig{
			Endpoint:     dumper.Endpoint,
			Table:        dumper.Table,
			Columns:      dumper.Columns,
			PollInterval: time.Duration(c.Incremental.PollIntervalMs) * time.Millisecond,
			StopAtHead:   c.Incremental.StopAtHead,
		}, mgr, logger)
	default:
		return nil, fmt.Errorf("incremental capture is not supported for %s datasource %s", dumper.Endpoint.Type, dumper.DataSource)
	}
}
