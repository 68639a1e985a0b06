package datasource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSQLiteDialect_EstimateRows(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	defer mgr.Close()

	ctx := context.Background()
	lease, err := mgr.Acquire(ctx, sqliteEndpoint(t, "estimate"))
	require.NoError(t, err)
	defer lease.Release()

	conn := lease.Conn()
	_, err = conn.ExecContext(ctx, `CREATE TABLE t_order (id INT PRIMARY KEY, user_id VARCHAR(12))`)
	require.NoError(t, err)
	_, err = conn.ExecContext(ctx, `INSERT INTO t_order (id, user_id) VALUES (1, 'xxx'), (999, 'yyy')`)
	require.NoError(t, err)

	rows, err := lease.Dialect().EstimateRows(ctx, conn, "t_order")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rows)

	_, err = lease.Dialect().EstimateRows(ctx, conn, "t_non_exist")
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestDialect_UpsertSQL(t *testing.T) {
	cols := []string{"id", "user_id"}
	keys := []string{"id"}

	mysqlSQL := mysqlDialect{}.UpsertSQL("t_order", cols, keys, 2)
	assert.Equal(t, "REPLACE INTO `t_order` (`id`, `user_id`) VALUES (?, ?), (?, ?)", mysqlSQL)

	sqliteSQL := sqliteDialect{}.UpsertSQL("t_order", cols, keys, 1)
	assert.Equal(t, `INSERT OR REPLACE INTO "t_order" ("id", "user_id") VALUES (?, ?)`, sqliteSQL)

	pgSQL := postgresDialect{}.UpsertSQL("public.t_order", cols, keys, 2)
	assert.Equal(t,
		`INSERT INTO "public"."t_order" ("id", "user_id") VALUES ($1, $2), ($3, $4) ON CONFLICT ("id") DO UPDATE SET "user_id" = EXCLUDED."user_id"`,
		pgSQL)

	pgNoKeys := postgresDialect{}.UpsertSQL("t", []string{"a"}, nil, 1)
	assert.Equal(t, `INSERT INTO "t" ("a") VALUES ($1) ON CONFLICT DO NOTHING`, pgNoKeys)
}

func TestDialect_DeleteSQL(t *testing.T) {
	assert.Equal(t, `DELETE FROM "t" WHERE "a" = $1 AND "b" = $2`, postgresDialect{}.DeleteSQL("t", []string{"a", "b"}))
	assert.Equal(t, "DELETE FROM `t` WHERE `a` = ?", mysqlDialect{}.DeleteSQL("t", []string{"a"}))
}

func TestDialect_QuoteEscapes(t *testing.T) {
	assert.Equal(t, `"we""ird"`, sqliteDialect{}.Quote(`we"ird`))
	assert.Equal(t, "`db`.`t`", mysqlDialect{}.Quote("db.t"))
}

func TestDialectFor(t *testing.T) {
	for _, typ := range []Type{TypeMySQL, TypePostgreSQL, TypeSQLite} {
		d, err := DialectFor(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, d.Name())
	}
	_, err := DialectFor("mssql")
	assert.Error(t, err)
}
