package synctask

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sync"

	"shardscale/internal/datasource"
)

// maxBindArgs keeps multi-row statements under the smallest driver limit
const maxBindArgs = 900

// writer applies row batches to the importer table
type writer struct {
	// mu serializes writers sharing one lease; nil when the lease is exclusive
	mu      *sync.Mutex
	lease   *datasource.Lease
	table   string
	columns []string
	keys    []string
}

func (w *writer) upsert(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if w.mu != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
	}

	d := w.lease.Dialect()
	perStmt := maxBindArgs / len(w.columns)
	if perStmt < 1 {
		perStmt = 1
	}
	return inTx(ctx, w.lease, func(tx *sql.Tx) error {
		for start := 0; start < len(rows); start += perStmt {
			chunk := rows[start:min(start+perStmt, len(rows))]
			args := make([]any, 0, len(chunk)*len(w.columns))
			for _, row := range chunk {
				args = append(args, row...)
			}
			if _, err := tx.ExecContext(ctx, d.UpsertSQL(w.table, w.columns, w.keys, len(chunk)), args...); err != nil {
				return classify(w.lease, "write", fmt.Errorf("failed to write %d rows to %s: %w", len(chunk), w.table, err))
			}
		}
		return nil
	})
}

func inTx(ctx context.Context, lease *datasource.Lease, fn func(tx *sql.Tx) error) error {
	tx, err := lease.Conn().BeginTx(ctx, nil)
	if err != nil {
		return classify(lease, "begin", fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(lease, "commit", fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// classify turns a dropped connection into a ConnectionError so the task
// can be retried; other errors pass through.
func classify(lease *datasource.Lease, op string, err error) error {
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return &datasource.ConnectionError{Endpoint: lease.Pool().Endpoint().String(), Op: op, Err: err}
	}
	return err
}
