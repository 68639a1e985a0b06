package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

type mysqlDialect struct{}

func (mysqlDialect) Name() Type { return TypeMySQL }

func (mysqlDialect) Open(cfg EndpointConfig) (*sql.DB, error) {
	dsn, err := mysql.ParseDSN(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	if cfg.Username != "" {
		dsn.User = cfg.Username
	}
	if cfg.Password != "" {
		dsn.Passwd = cfg.Password
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	return sql.OpenDB(connector), nil
}

func (mysqlDialect) Quote(ident string) string { return quoteQualified(ident, '`') }

func (mysqlDialect) Placeholder(int) string { return "?" }

// EstimateRows reads the optimizer statistics instead of scanning the table
func (mysqlDialect) EstimateRows(ctx context.Context, q QueryRower, table string) (int64, error) {
	schema, name := splitQualified(table)
	query := `SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`
	args := []any{name}
	if schema != "" {
		query = `SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?`
		args = []any{schema, name}
	}

	var rows sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&rows); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w", table, ErrTableNotFound)
		}
		return 0, fmt.Errorf("failed to estimate rows of %s: %w", table, err)
	}
	if !rows.Valid {
		return 0, fmt.Errorf("%s: %w", table, ErrEstimateUnavailable)
	}
	return rows.Int64, nil
}

func (d mysqlDialect) UpsertSQL(table string, columns, _ []string, rows int) string {
	return insertValues(d, "REPLACE", table, columns, rows)
}

func (d mysqlDialect) DeleteSQL(table string, keys []string) string {
	return deleteByKeys(d, table, keys)
}
