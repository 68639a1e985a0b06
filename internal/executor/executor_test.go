package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"shardscale/internal/datasource"
	"shardscale/internal/mode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStore(t *testing.T, mgr *datasource.Manager, name string, tables map[string][]int) datasource.EndpointConfig {
	t.Helper()
	ep := datasource.EndpointConfig{
		Type:     datasource.TypeSQLite,
		URL:      filepath.Join(t.TempDir(), name+".db") + "?_pragma=busy_timeout(5000)",
		MaxConns: 8,
	}

	ctx := context.Background()
	lease, err := mgr.Acquire(ctx, ep)
	require.NoError(t, err)
	defer lease.Release()

	for table, ids := range tables {
		_, err := lease.Conn().ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (id INTEGER PRIMARY KEY, name TEXT)`, table))
		require.NoError(t, err)
		for _, id := range ids {
			_, err := lease.Conn().ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, name) VALUES (?, ?)`, table), id, table)
			require.NoError(t, err)
		}
	}
	return ep
}

func orderUnits(ds0, ds1 datasource.EndpointConfig) []Unit {
	sql := func(table string) string { return fmt.Sprintf("SELECT id, name FROM %s ORDER BY id", table) }
	return []Unit{
		{DataSource: "ds0", Table: "t_order_0", Endpoint: ds0, SQL: sql("t_order_0")},
		{DataSource: "ds0", Table: "t_order_1", Endpoint: ds0, SQL: sql("t_order_1")},
		{DataSource: "ds1", Table: "t_order_2", Endpoint: ds1, SQL: sql("t_order_2")},
	}
}

func byID(a, b []any) bool { return a[0].(int64) < b[0].(int64) }

func collectIDs(t *testing.T, rows interface {
	Next() bool
	Values() []any
	Err() error
}) []int64 {
	t.Helper()
	var out []int64
	for rows.Next() {
		out = append(out, rows.Values()[0].(int64))
	}
	require.NoError(t, rows.Err())
	return out
}

func TestQuery_BufferedUsesOneConnectionPerStore(t *testing.T) {
	mgr := datasource.NewManager(zap.NewNop())
	defer mgr.Close()

	ds0 := setupStore(t, mgr, "ds0", map[string][]int{"t_order_0": {2, 4, 6}, "t_order_1": {1, 5}})
	ds1 := setupStore(t, mgr, "ds1", map[string][]int{"t_order_2": {3, 7}})

	pool0, err := mgr.Pool(ds0)
	require.NoError(t, err)
	before := pool0.Stats()
	require.Equal(t, int64(0), before.InUse)

	exec := New(mgr, zap.NewNop())
	result, err := exec.Query(context.Background(), mode.Buffered, orderUnits(ds0, ds1), byID)
	require.NoError(t, err)
	defer result.Close()

	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, collectIDs(t, result))

	stats := pool0.Stats()
	assert.Equal(t, int64(1), stats.Peak)
	assert.Equal(t, int64(1), stats.Acquired-before.Acquired)
	assert.Equal(t, int64(0), stats.InUse)
}

func TestQuery_StreamingHoldsCursorPerTable(t *testing.T) {
	mgr := datasource.NewManager(zap.NewNop())
	defer mgr.Close()

	ds0 := setupStore(t, mgr, "ds0", map[string][]int{"t_order_0": {2, 4, 6}, "t_order_1": {1, 5}})
	ds1 := setupStore(t, mgr, "ds1", map[string][]int{"t_order_2": {3, 7}})

	pool0, err := mgr.Pool(ds0)
	require.NoError(t, err)

	exec := New(mgr, zap.NewNop())
	result, err := exec.Query(context.Background(), mode.Streaming, orderUnits(ds0, ds1), byID)
	require.NoError(t, err)

	assert.Equal(t, int64(2), pool0.Stats().InUse)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, collectIDs(t, result))

	require.NoError(t, result.Close())
	assert.Equal(t, int64(0), pool0.Stats().InUse)
	assert.Equal(t, int64(2), pool0.Stats().Peak)
}

func TestQuery_MissingTableReleasesLeases(t *testing.T) {
	mgr := datasource.NewManager(zap.NewNop())
	defer mgr.Close()

	ds0 := setupStore(t, mgr, "ds0", map[string][]int{"t_order_0": {1}})
	units := []Unit{
		{DataSource: "ds0", Table: "t_order_0", Endpoint: ds0, SQL: "SELECT id FROM t_order_0"},
		{DataSource: "ds0", Table: "t_missing", Endpoint: ds0, SQL: "SELECT id FROM t_missing"},
	}

	exec := New(mgr, zap.NewNop())
	for _, m := range []mode.ConnectionMode{mode.Streaming, mode.Buffered} {
		_, err := exec.Query(context.Background(), m, units, nil)
		assert.Error(t, err, m.String())
	}

	pool0, err := mgr.Pool(ds0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pool0.Stats().InUse)
}

func TestGroup(t *testing.T) {
	a := datasource.EndpointConfig{Type: datasource.TypeSQLite, URL: "a.db"}
	b := datasource.EndpointConfig{Type: datasource.TypeSQLite, URL: "b.db"}
	groups := Group([]Unit{{Endpoint: a}, {Endpoint: b}, {Endpoint: a}})
	assert.Equal(t, [][]int{{0, 2}, {1}}, groups)
}
