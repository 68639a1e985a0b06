package synctask

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"shardscale/internal/datasource"
	"shardscale/internal/position"

	"github.com/stretchr/testify/require"
)

func sqliteEndpoint(t *testing.T, name string) datasource.EndpointConfig {
	t.Helper()
	return datasource.EndpointConfig{
		Type:     datasource.TypeSQLite,
		URL:      filepath.Join(t.TempDir(), name+".db") + "?_pragma=busy_timeout(5000)",
		MaxConns: 4,
	}
}

func openDB(t *testing.T, ep datasource.EndpointConfig) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ep.URL)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func execAll(t *testing.T, ep datasource.EndpointConfig, stmts ...string) {
	t.Helper()
	db := openDB(t, ep)
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

// seedOrders creates table with ids 1..n
func seedOrders(t *testing.T, ep datasource.EndpointConfig, table string, n int) {
	t.Helper()
	db := openDB(t, ep)
	_, err := db.Exec(fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, status TEXT)", table))
	require.NoError(t, err)
	for i := 1; i <= n; i++ {
		_, err := db.Exec(fmt.Sprintf("INSERT INTO %s (id, status) VALUES (?, ?)", table), i, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
	}
}

func countRows(t *testing.T, ep datasource.EndpointConfig, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, openDB(t, ep).QueryRow("SELECT COUNT(1) FROM "+table).Scan(&n))
	return n
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	var types []EventType
	for _, e := range r.all() {
		types = append(types, e.Type)
	}
	return types
}

func (r *recorder) progressed() []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Type == EventProgressed {
			out = append(out, e)
		}
	}
	return out
}

type memCheckpointer struct {
	mu        sync.Mutex
	positions position.Map
}

func newMemCheckpointer() *memCheckpointer {
	return &memCheckpointer{positions: make(position.Map)}
}

func (m *memCheckpointer) SavePosition(_ context.Context, rangeID string, p position.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[rangeID] = p
	return nil
}

func (m *memCheckpointer) get(rangeID string) position.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[rangeID]
}
