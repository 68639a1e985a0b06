package datasource

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sqliteEndpoint(t *testing.T, name string) EndpointConfig {
	t.Helper()
	return EndpointConfig{
		Type:     TypeSQLite,
		URL:      filepath.Join(t.TempDir(), name+".db") + "?_pragma=busy_timeout(5000)",
		MaxConns: 4,
	}
}

func TestManager_SamePoolForEqualConfigs(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	defer mgr.Close()

	a := sqliteEndpoint(t, "same")
	b := EndpointConfig{Type: a.Type, URL: a.URL, MaxConns: a.MaxConns}

	pa, err := mgr.Pool(a)
	require.NoError(t, err)
	pb, err := mgr.Pool(b)
	require.NoError(t, err)
	assert.Same(t, pa, pb)
	assert.Equal(t, a.Key(), b.Key())

	b.MaxConns = 8
	pc, err := mgr.Pool(b)
	require.NoError(t, err)
	assert.NotSame(t, pa, pc)
}

func TestManager_AcquireRelease(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	defer mgr.Close()

	ep := sqliteEndpoint(t, "lease")
	ctx := context.Background()

	lease, err := mgr.Acquire(ctx, ep)
	require.NoError(t, err)

	var one int
	require.NoError(t, lease.Conn().QueryRowContext(ctx, "SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
	assert.Equal(t, int64(1), lease.Pool().Stats().InUse)

	require.NoError(t, mgr.Release(lease))
	require.NoError(t, mgr.Release(lease))

	stats := lease.Pool().Stats()
	assert.Equal(t, int64(0), stats.InUse)
	assert.Equal(t, int64(1), stats.Peak)
	assert.Equal(t, int64(1), stats.Acquired)
}

func TestManager_CloseRejectsAcquire(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	ep := sqliteEndpoint(t, "closed")

	lease, err := mgr.Acquire(context.Background(), ep)
	require.NoError(t, err)
	require.NoError(t, lease.Release())

	require.NoError(t, mgr.Close())
	require.NoError(t, mgr.Close())

	_, err = mgr.Acquire(context.Background(), ep)
	assert.ErrorIs(t, err, ErrManagerClosed)

	_, err = mgr.Acquire(context.Background(), sqliteEndpoint(t, "other"))
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_AcquireTimeout(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	defer mgr.Close()

	ep := sqliteEndpoint(t, "timeout")
	ep.MaxConns = 1
	ep.AcquireTimeout = 50 * time.Millisecond

	held, err := mgr.Acquire(context.Background(), ep)
	require.NoError(t, err)
	defer held.Release()

	_, err = mgr.Acquire(context.Background(), ep)
	require.Error(t, err)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, "acquire", connErr.Op)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_AcquireCancelledContext(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	defer mgr.Close()

	ep := sqliteEndpoint(t, "cancel")
	ep.MaxConns = 1

	held, err := mgr.Acquire(context.Background(), ep)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = mgr.Acquire(ctx, ep)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsConnectionError(err))
}

func TestManager_UnreachableStore(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	defer mgr.Close()

	ep := EndpointConfig{
		Type:           TypeMySQL,
		URL:            "root@tcp(127.0.0.1:1)/scaling?timeout=1s",
		AcquireTimeout: 3 * time.Second,
	}

	_, err := mgr.Acquire(context.Background(), ep)
	require.Error(t, err)
	assert.True(t, IsConnectionError(err))
}

func TestEndpointConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     EndpointConfig
		wantErr bool
	}{
		{"valid", EndpointConfig{Type: TypeSQLite, URL: "x.db"}, false},
		{"missing url", EndpointConfig{Type: TypeSQLite}, true},
		{"unknown type", EndpointConfig{Type: "oracle", URL: "x"}, true},
		{"negative conns", EndpointConfig{Type: TypeMySQL, URL: "x", MaxConns: -1}, true},
		{"idle above max", EndpointConfig{Type: TypeMySQL, URL: "x", MaxConns: 2, MaxIdleConns: 3}, true},
		{"negative timeout", EndpointConfig{Type: TypeMySQL, URL: "x", AcquireTimeout: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEndpointConfig_KeyCoversCredentials(t *testing.T) {
	a := EndpointConfig{Type: TypeMySQL, URL: "tcp(db:3306)/app", Username: "root", Password: "a"}
	b := a
	b.Password = "b"
	assert.NotEqual(t, a.Key(), b.Key())
	assert.NotContains(t, a.String(), "root")
}
