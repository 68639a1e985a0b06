package datasource

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() Type { return TypeSQLite }

func (sqliteDialect) Open(cfg EndpointConfig) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

func (sqliteDialect) Quote(ident string) string { return quoteQualified(ident, '"') }

func (sqliteDialect) Placeholder(int) string { return "?" }

// EstimateRows counts rows directly; SQLite keeps no cheap row statistics
// unless ANALYZE has been run.
func (d sqliteDialect) EstimateRows(ctx context.Context, q QueryRower, table string) (int64, error) {
	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}

	var rows int64
	if err := q.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+d.Quote(table)).Scan(&rows); err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return rows, nil
}

func (d sqliteDialect) UpsertSQL(table string, columns, _ []string, rows int) string {
	return insertValues(d, "INSERT OR REPLACE", table, columns, rows)
}

func (d sqliteDialect) DeleteSQL(table string, keys []string) string {
	return deleteByKeys(d, table, keys)
}
