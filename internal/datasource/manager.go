package datasource

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Manager owns one connection pool per distinct endpoint configuration.
// Pools are created on first use and live until Close.
type Manager struct {
	mu     sync.Mutex
	pools  map[uint64]*Pool
	closed bool
	logger *zap.Logger
}

// NewManager creates an empty connection manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		pools:  make(map[uint64]*Pool),
		logger: logger,
	}
}

// Pool returns the pool for cfg, creating it if this is the first request.
// Structurally equal configurations share a pool.
func (m *Manager) Pool(cfg EndpointConfig) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	key := cfg.Key()
	if p, ok := m.pools[key]; ok {
		return p, nil
	}

	dialect, err := DialectFor(cfg.Type)
	if err != nil {
		return nil, err
	}
	db, err := dialect.Open(cfg)
	if err != nil {
		return nil, &ConnectionError{Endpoint: cfg.String(), Op: "open", Err: err}
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	p := &Pool{
		key:      key,
		endpoint: cfg,
		dialect:  dialect,
		db:       db,
	}
	m.pools[key] = p

	m.logger.Info("Created connection pool",
		zap.String("endpoint", cfg.String()),
		zap.Int("max_conns", cfg.MaxConns),
	)
	return p, nil
}

// Acquire leases a dedicated connection to the store described by cfg
func (m *Manager) Acquire(ctx context.Context, cfg EndpointConfig) (*Lease, error) {
	p, err := m.Pool(cfg)
	if err != nil {
		return nil, err
	}
	return p.acquire(ctx)
}

// Release returns a leased connection to its pool. Releasing twice is a no-op.
func (m *Manager) Release(l *Lease) error {
	if l == nil {
		return nil
	}
	return l.Release()
}

// Close closes every pool. Subsequent Acquire calls fail with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	pools := m.pools
	m.pools = make(map[uint64]*Pool)
	m.mu.Unlock()

	var errs []error
	for _, p := range pools {
		p.closed.Store(true)
		if err := p.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.Info("Closed connection manager", zap.Int("pools", len(pools)))
	return errors.Join(errs...)
}

// Pool is the connection pool entry for one endpoint configuration
type Pool struct {
	key      uint64
	endpoint EndpointConfig
	dialect  Dialect
	db       *sql.DB
	closed   atomic.Bool

	inUse    atomic.Int64
	peak     atomic.Int64
	acquired atomic.Int64
}

// PoolStats is a point-in-time view of lease usage
type PoolStats struct {
	InUse    int64
	Peak     int64
	Acquired int64
}

// Stats returns current lease counters
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		InUse:    p.inUse.Load(),
		Peak:     p.peak.Load(),
		Acquired: p.acquired.Load(),
	}
}

// Endpoint returns the configuration the pool was created from
func (p *Pool) Endpoint() EndpointConfig { return p.endpoint }

// Dialect returns the store dialect of the pool
func (p *Pool) Dialect() Dialect { return p.dialect }

// Key returns the pool's configuration hash
func (p *Pool) Key() uint64 { return p.key }

func (p *Pool) acquire(ctx context.Context) (*Lease, error) {
	acquireCtx := ctx
	if p.endpoint.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.endpoint.AcquireTimeout)
		defer cancel()
	}

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		if p.closed.Load() {
			return nil, ErrManagerClosed
		}
		// Cancellation by the caller is not a connection problem
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ConnectionError{Endpoint: p.endpoint.String(), Op: "acquire", Err: err}
	}

	// database/sql connects lazily for some drivers; make sure the store answers
	if err := conn.PingContext(acquireCtx); err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ConnectionError{Endpoint: p.endpoint.String(), Op: "ping", Err: err}
	}

	p.acquired.Add(1)
	inUse := p.inUse.Add(1)
	for {
		peak := p.peak.Load()
		if inUse <= peak || p.peak.CompareAndSwap(peak, inUse) {
			break
		}
	}

	return &Lease{pool: p, conn: conn}, nil
}

// Lease is a connection checked out of a pool
type Lease struct {
	pool     *Pool
	conn     *sql.Conn
	released atomic.Bool
}

// Conn returns the leased connection
func (l *Lease) Conn() *sql.Conn { return l.conn }

// Dialect returns the dialect of the store the lease points at
func (l *Lease) Dialect() Dialect { return l.pool.dialect }

// Pool returns the pool the lease belongs to
func (l *Lease) Pool() *Pool { return l.pool }

// Release hands the connection back to its pool
func (l *Lease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	l.pool.inUse.Add(-1)
	return l.conn.Close()
}
