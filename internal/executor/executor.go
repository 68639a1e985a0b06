// Package executor runs the per-table statements of a sharded query and
// merges what comes back, holding connections as the resource mode allows.
package executor

import (
	"context"
	"fmt"

	"shardscale/internal/datasource"
	"shardscale/internal/merge"
	"shardscale/internal/mode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Unit is one statement against one physical table
type Unit struct {
	DataSource string
	Table      string
	Endpoint   datasource.EndpointConfig
	SQL        string
	Args       []any
}

// Executor executes units through a connection manager
type Executor struct {
	mgr    *datasource.Manager
	logger *zap.Logger
}

// New creates an executor
func New(mgr *datasource.Manager, logger *zap.Logger) *Executor {
	return &Executor{mgr: mgr, logger: logger}
}

// Group returns unit indexes grouped by store, in first-seen order
func Group(units []Unit) [][]int {
	var groups [][]int
	index := make(map[uint64]int)
	for i, u := range units {
		key := u.Endpoint.Key()
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// Query runs every unit and returns the merged result. Each store gets as
// many connections as the mode allows for its units: a store with a
// connection per unit keeps every cursor open, otherwise its units are read
// one after another on one connection and held in memory. The caller must
// close the result; that is what releases open cursors.
func (e *Executor) Query(ctx context.Context, m mode.ConnectionMode, units []Unit, less merge.Less) (merge.Result, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid connection mode %d", int(m))
	}
	e.logger.Debug("Executing sharded query",
		zap.Stringer("mode", m),
		zap.Int("units", len(units)),
	)

	cursors := make([]merge.Cursor, len(units))

	// open cursors must outlive the group, so everything runs on the caller's ctx
	var g errgroup.Group
	for _, group := range Group(units) {
		group := group
		if m.Connections(len(group)) >= len(group) {
			for _, i := range group {
				i := i
				g.Go(func() error {
					cursor, err := e.open(ctx, units[i])
					cursors[i] = cursor
					return err
				})
			}
			continue
		}
		g.Go(func() error {
			return e.materialize(ctx, units, group, cursors)
		})
	}

	if err := g.Wait(); err != nil {
		for _, c := range cursors {
			if c != nil {
				c.Close()
			}
		}
		return nil, err
	}
	return merge.New(m, cursors, less)
}

// open leases a connection for one unit and keeps it until the cursor closes
func (e *Executor) open(ctx context.Context, u Unit) (merge.Cursor, error) {
	lease, err := e.mgr.Acquire(ctx, u.Endpoint)
	if err != nil {
		return nil, err
	}
	rows, err := lease.Conn().QueryContext(ctx, u.SQL, u.Args...)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("failed to query %s.%s: %w", u.DataSource, u.Table, err)
	}
	return merge.FromRows(rows, lease.Release)
}

// materialize reads the units of one store serially on a single connection
func (e *Executor) materialize(ctx context.Context, units []Unit, group []int, cursors []merge.Cursor) error {
	lease, err := e.mgr.Acquire(ctx, units[group[0]].Endpoint)
	if err != nil {
		return err
	}
	defer lease.Release()

	for _, i := range group {
		rows, err := lease.Conn().QueryContext(ctx, units[i].SQL, units[i].Args...)
		if err != nil {
			return fmt.Errorf("failed to query %s.%s: %w", units[i].DataSource, units[i].Table, err)
		}
		cursor, err := merge.FromRows(rows, nil)
		if err != nil {
			return err
		}
		materialized, err := merge.Materialize(cursor)
		if err != nil {
			return err
		}
		cursors[i] = merge.NewSliceCursor(materialized)
	}
	return nil
}
