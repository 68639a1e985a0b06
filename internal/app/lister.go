package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"shardscale/internal/datasource"
	"shardscale/internal/executor"
	"shardscale/internal/progress"
	"shardscale/internal/synctask"

	"go.uber.org/zap"
)

// TableListing is the dry-run view of one data node
type TableListing struct {
	LogicTable string
	DataSource string
	Table      string
	Estimated  int64 // progress.Unknown when the store cannot estimate
	MinKey     sql.NullInt64
	MaxKey     sql.NullInt64
	Err        error
}

// TableLister estimates what a job would copy without copying it
type TableLister struct {
	manager  *datasource.Manager
	executor *executor.Executor
	logger   *zap.Logger
}

// NewTableLister creates a lister reading through mgr
func NewTableLister(mgr *datasource.Manager, logger *zap.Logger) *TableLister {
	return &TableLister{
		manager:  mgr,
		executor: executor.New(mgr, logger),
		logger:   logger,
	}
}

// List estimates the rows of every dumper of the inventory configs
func (l *TableLister) List(ctx context.Context, inventory []synctask.SyncConfig) ([]TableListing, error) {
	var listings []TableListing
	var totalRows int64
	for _, cfg := range inventory {
		start := len(listings)
		for _, dumper := range cfg.Dumpers {
			listing, err := l.estimate(ctx, cfg.LogicTable, dumper)
			if err != nil {
				return listings, err
			}
			listings = append(listings, listing)
		}
		if err := l.keyBounds(ctx, cfg, listings[start:]); err != nil {
			l.logger.Warn("Failed to read key bounds",
				zap.String("logic_table", cfg.LogicTable),
				zap.Error(err),
			)
		}

		for _, listing := range listings[start:] {
			if listing.Estimated > 0 {
				totalRows += listing.Estimated
			}
			fields := []zap.Field{
				zap.String("logic_table", listing.LogicTable),
				zap.String("datasource", listing.DataSource),
				zap.String("table", listing.Table),
				zap.Int64("estimated_rows", listing.Estimated),
				zap.NamedError("estimate_error", listing.Err),
			}
			if listing.MinKey.Valid {
				fields = append(fields, zap.Int64("min_key", listing.MinKey.Int64), zap.Int64("max_key", listing.MaxKey.Int64))
			}
			l.logger.Info("Would migrate table", fields...)
		}
	}

	l.logger.Info("Finished listing tables",
		zap.Int("total_tables", len(listings)),
		zap.Int64("total_estimated_rows", totalRows),
	)
	return listings, nil
}

// estimate fails only when the store is unreachable; a missing table or
// estimate is recorded in the listing
func (l *TableLister) estimate(ctx context.Context, logicTable string, dumper synctask.TableConfig) (TableListing, error) {
	listing := TableListing{
		LogicTable: logicTable,
		DataSource: dumper.DataSource,
		Table:      dumper.Table,
		Estimated:  progress.Unknown,
	}

	lease, err := l.manager.Acquire(ctx, dumper.Endpoint)
	if err != nil {
		return listing, err
	}
	defer lease.Release()

	rows, err := lease.Dialect().EstimateRows(ctx, lease.Conn(), dumper.Table)
	switch {
	case err == nil:
		listing.Estimated = rows
	case errors.Is(err, datasource.ErrTableNotFound), errors.Is(err, datasource.ErrEstimateUnavailable):
		listing.Err = err
	default:
		return listing, err
	}
	return listing, nil
}

// keyBounds fills the primary key bounds of the reachable keyed tables of
// one logic table with a single sharded query under the job's mode.
// listings holds one entry per dumper of cfg.
func (l *TableLister) keyBounds(ctx context.Context, cfg synctask.SyncConfig, listings []TableListing) error {
	var (
		units   []executor.Unit
		targets []*TableListing
	)
	for i, dumper := range cfg.Dumpers {
		if listings[i].Err != nil || dumper.PrimaryKey == "" {
			continue
		}
		d, err := datasource.DialectFor(dumper.Endpoint.Type)
		if err != nil {
			return err
		}
		pk := d.Quote(dumper.PrimaryKey)
		units = append(units, executor.Unit{
			DataSource: dumper.DataSource,
			Table:      dumper.Table,
			Endpoint:   dumper.Endpoint,
			SQL:        fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", pk, pk, d.Quote(dumper.Table)),
		})
		targets = append(targets, &listings[i])
	}
	if len(units) == 0 {
		return nil
	}

	result, err := l.executor.Query(ctx, cfg.Mode, units, nil)
	if err != nil {
		return err
	}
	defer result.Close()

	// one aggregate row per unit, in unit order
	for _, listing := range targets {
		if !result.Next() {
			break
		}
		row := result.Values()
		if len(row) != 2 {
			return fmt.Errorf("unexpected key bounds row of %s.%s", listing.DataSource, listing.Table)
		}
		if err := listing.MinKey.Scan(row[0]); err != nil {
			return fmt.Errorf("failed to read min key of %s.%s: %w", listing.DataSource, listing.Table, err)
		}
		if err := listing.MaxKey.Scan(row[1]); err != nil {
			return fmt.Errorf("failed to read max key of %s.%s: %w", listing.DataSource, listing.Table, err)
		}
	}
	return result.Err()
}
