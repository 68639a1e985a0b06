package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

type postgresDialect struct{}

func (postgresDialect) Name() Type { return TypePostgreSQL }

func (postgresDialect) Open(cfg EndpointConfig) (*sql.DB, error) {
	connCfg, err := pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgresql url: %w", err)
	}
	if cfg.Username != "" {
		connCfg.User = cfg.Username
	}
	if cfg.Password != "" {
		connCfg.Password = cfg.Password
	}
	return stdlib.OpenDB(*connCfg), nil
}

func (postgresDialect) Quote(ident string) string { return quoteQualified(ident, '"') }

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// EstimateRows uses pg_class.reltuples, which is -1 until the table is analyzed
func (postgresDialect) EstimateRows(ctx context.Context, q QueryRower, table string) (int64, error) {
	var estimate int64
	err := q.QueryRowContext(ctx,
		`SELECT c.reltuples::bigint FROM pg_class c WHERE c.oid = to_regclass($1)`, table,
	).Scan(&estimate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w", table, ErrTableNotFound)
		}
		return 0, fmt.Errorf("failed to estimate rows of %s: %w", table, err)
	}
	if estimate < 0 {
		return 0, fmt.Errorf("%s has no statistics: %w", table, ErrEstimateUnavailable)
	}
	return estimate, nil
}

func (d postgresDialect) UpsertSQL(table string, columns, keys []string, rows int) string {
	stmt := insertValues(d, "INSERT", table, columns, rows)
	if len(keys) == 0 {
		return stmt + " ON CONFLICT DO NOTHING"
	}

	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range columns {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.Quote(c), d.Quote(c)))
		}
	}
	conflict := " ON CONFLICT (" + strings.Join(quoteAll(d, keys), ", ") + ")"
	if len(sets) == 0 {
		return stmt + conflict + " DO NOTHING"
	}
	return stmt + conflict + " DO UPDATE SET " + strings.Join(sets, ", ")
}

func (d postgresDialect) DeleteSQL(table string, keys []string) string {
	return deleteByKeys(d, table, keys)
}
