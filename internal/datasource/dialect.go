package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// QueryRower is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type QueryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect holds everything store specific the engine needs: how to open
// a pool, quote identifiers, estimate table size and write rows idempotently.
type Dialect interface {
	Name() Type
	Open(cfg EndpointConfig) (*sql.DB, error)
	Quote(ident string) string
	// Placeholder returns the bind marker for the n-th argument, 1-based
	Placeholder(n int) string
	// EstimateRows returns a cheap row count estimate. Missing tables
	// yield ErrTableNotFound.
	EstimateRows(ctx context.Context, q QueryRower, table string) (int64, error)
	// UpsertSQL builds a multi-row insert that overwrites rows with the same key
	UpsertSQL(table string, columns, keys []string, rows int) string
	DeleteSQL(table string, keys []string) string
}

var dialects = map[Type]Dialect{
	TypeMySQL:      mysqlDialect{},
	TypePostgreSQL: postgresDialect{},
	TypeSQLite:     sqliteDialect{},
}

// DialectFor returns the dialect registered for t
func DialectFor(t Type) (Dialect, error) {
	d, ok := dialects[t]
	if !ok {
		return nil, fmt.Errorf("unsupported endpoint type %q", t)
	}
	return d, nil
}

// quoteQualified quotes each dot separated part of a name
func quoteQualified(ident string, quote byte) string {
	parts := strings.Split(ident, ".")
	q := string(quote)
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// splitQualified splits "schema.table" into its parts; schema may be empty
func splitQualified(ident string) (string, string) {
	if i := strings.LastIndexByte(ident, '.'); i >= 0 {
		return ident[:i], ident[i+1:]
	}
	return "", ident
}

func quoteAll(d Dialect, idents []string) []string {
	out := make([]string, len(idents))
	for i, c := range idents {
		out[i] = d.Quote(c)
	}
	return out
}

// insertValues renders "INSERT INTO t (a, b) VALUES (?, ?), (?, ?)" with the given verb
func insertValues(d Dialect, verb, table string, columns []string, rows int) string {
	var b strings.Builder
	b.WriteString(verb)
	b.WriteString(" INTO ")
	b.WriteString(d.Quote(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(quoteAll(d, columns), ", "))
	b.WriteString(") VALUES ")

	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.Placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

func deleteByKeys(d Dialect, table string, keys []string) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s = %s", d.Quote(k), d.Placeholder(i+1))
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", d.Quote(table), strings.Join(conds, " AND "))
}
