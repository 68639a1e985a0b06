package cdc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"

	"shardscale/internal/datasource"
	"shardscale/internal/position"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// BinlogConfig selects one MySQL table to follow through row-based binlog
// replication. Endpoint supplies the address and credentials.
type BinlogConfig struct {
	Endpoint datasource.EndpointConfig
	ServerID uint32
	// Flavor is "mysql" or "mariadb"
	Flavor string
	// Schema defaults to the database of the endpoint URL
	Schema string
	Table  string
}

// BinlogSource streams row changes from the MySQL binary log
type BinlogSource struct {
	cfg    BinlogConfig
	mgr    *datasource.Manager
	logger *zap.Logger
}

var _ Source = (*BinlogSource)(nil)

// NewBinlogSource creates a binlog source
func NewBinlogSource(cfg BinlogConfig, mgr *datasource.Manager, logger *zap.Logger) (*BinlogSource, error) {
	if cfg.Endpoint.Type != datasource.TypeMySQL {
		return nil, fmt.Errorf("binlog source needs a mysql endpoint, got %q", cfg.Endpoint.Type)
	}
	if cfg.Table == "" {
		return nil, errors.New("binlog source needs a table")
	}
	if cfg.ServerID == 0 {
		return nil, errors.New("binlog source needs a non-zero server id")
	}
	if cfg.Flavor == "" {
		cfg.Flavor = gomysql.MySQLFlavor
	}
	if cfg.Schema == "" {
		dsn, err := mysqldriver.ParseDSN(cfg.Endpoint.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mysql url: %w", err)
		}
		cfg.Schema = dsn.DBName
	}
	return &BinlogSource{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger.With(zap.String("source", "binlog"), zap.String("table", cfg.Schema+"."+cfg.Table)),
	}, nil
}

// Open starts replication after from, a *position.BinlogPosition, or at the
// current head of the log when from is nil.
func (s *BinlogSource) Open(ctx context.Context, from position.Position) (Stream, error) {
	lease, err := s.mgr.Acquire(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	columns, err := s.columns(ctx, lease.Conn())
	if err != nil {
		return nil, err
	}

	var start position.BinlogPosition
	switch p := from.(type) {
	case nil:
		if start, err = s.head(ctx, lease.Conn()); err != nil {
			return nil, err
		}
	case *position.BinlogPosition:
		head, err := s.head(ctx, lease.Conn())
		if err != nil {
			return nil, err
		}
		if err := checkResume(p, &head); err != nil {
			return nil, err
		}
		start = *p
	default:
		return nil, fmt.Errorf("binlog source cannot resume from %s position", from.Type())
	}

	syncerCfg, err := s.syncerConfig()
	if err != nil {
		return nil, err
	}
	syncer := replication.NewBinlogSyncer(syncerCfg)
	streamer, err := syncer.StartSync(gomysql.Position{Name: start.Name, Pos: start.Pos})
	if err != nil {
		syncer.Close()
		return nil, &datasource.ConnectionError{Endpoint: s.cfg.Endpoint.String(), Op: "replicate", Err: err}
	}

	s.logger.Info("Started binlog replication", zap.Stringer("position", &start))
	return &binlogStream{
		source:   s,
		syncer:   syncer,
		streamer: streamer,
		columns:  columns,
		pos:      start,
	}, nil
}

// checkResume rejects a saved position beyond the server head, which is
// left behind when the log was reset after it was saved
func checkResume(from, head *position.BinlogPosition) error {
	if from.Compare(head) > 0 {
		return fmt.Errorf("saved binlog position %s is ahead of server head %s", from, head)
	}
	return nil
}

func (s *BinlogSource) columns(ctx context.Context, conn *sql.Conn) ([]string, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT COLUMN_NAME FROM information_schema.COLUMNS
		 WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`,
		s.cfg.Schema, s.cfg.Table)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", s.cfg.Schema, s.cfg.Table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns of %s.%s: %w", s.cfg.Schema, s.cfg.Table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("%s.%s: %w", s.cfg.Schema, s.cfg.Table, datasource.ErrTableNotFound)
	}
	return columns, nil
}

// CurrentPosition returns the coordinate the source is writing at now
func (s *BinlogSource) CurrentPosition(ctx context.Context) (position.Position, error) {
	lease, err := s.mgr.Acquire(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	head, err := s.head(ctx, lease.Conn())
	if err != nil {
		return nil, err
	}
	return &head, nil
}

// head reads the current binlog coordinate
func (s *BinlogSource) head(ctx context.Context, conn *sql.Conn) (position.BinlogPosition, error) {
	rows, err := conn.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return position.BinlogPosition{}, fmt.Errorf("failed to read binlog status: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return position.BinlogPosition{}, err
	}
	if !rows.Next() {
		return position.BinlogPosition{}, errors.New("binary logging is disabled on the source")
	}
	values := make([]sql.RawBytes, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return position.BinlogPosition{}, fmt.Errorf("failed to scan binlog status: %w", err)
	}
	pos, err := strconv.ParseUint(string(values[1]), 10, 32)
	if err != nil {
		return position.BinlogPosition{}, fmt.Errorf("invalid binlog position %q: %w", values[1], err)
	}
	return position.BinlogPosition{Name: string(values[0]), Pos: uint32(pos)}, nil
}

func (s *BinlogSource) syncerConfig() (replication.BinlogSyncerConfig, error) {
	dsn, err := mysqldriver.ParseDSN(s.cfg.Endpoint.URL)
	if err != nil {
		return replication.BinlogSyncerConfig{}, fmt.Errorf("failed to parse mysql url: %w", err)
	}
	host, portStr, err := net.SplitHostPort(dsn.Addr)
	if err != nil {
		return replication.BinlogSyncerConfig{}, fmt.Errorf("invalid mysql address %q: %w", dsn.Addr, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return replication.BinlogSyncerConfig{}, fmt.Errorf("invalid mysql port %q: %w", portStr, err)
	}

	cfg := replication.BinlogSyncerConfig{
		ServerID: s.cfg.ServerID,
		Flavor:   s.cfg.Flavor,
		Host:     host,
		Port:     uint16(port),
		User:     dsn.User,
		Password: dsn.Passwd,
		Charset:  "utf8mb4",
	}
	if s.cfg.Endpoint.Username != "" {
		cfg.User = s.cfg.Endpoint.Username
		cfg.Password = s.cfg.Endpoint.Password
	}
	return cfg, nil
}

type binlogStream struct {
	source   *BinlogSource
	syncer   *replication.BinlogSyncer
	streamer *replication.BinlogStreamer
	columns  []string
	pos      position.BinlogPosition
	pending  []Change
}

// Next returns the next row change of the followed table. Only the last
// row of a rows event carries a position, so a restart never skips the
// unapplied rest of an event.
func (s *binlogStream) Next(ctx context.Context) (Change, error) {
	for len(s.pending) == 0 {
		ev, err := s.streamer.GetEvent(ctx)
		if err != nil {
			return Change{}, err
		}
		if ev.Header.LogPos > 0 {
			s.pos.Pos = ev.Header.LogPos
		}

		switch e := ev.Event.(type) {
		case *replication.RotateEvent:
			s.pos = position.BinlogPosition{Name: string(e.NextLogName), Pos: uint32(e.Position)}
			s.source.logger.Debug("Binlog rotated", zap.Stringer("position", &s.pos))
		case *replication.RowsEvent:
			if string(e.Table.Schema) != s.source.cfg.Schema || string(e.Table.Table) != s.source.cfg.Table {
				continue
			}
			changes, err := s.decode(ev.Header.EventType, e)
			if err != nil {
				return Change{}, err
			}
			s.pending = changes
		}
	}

	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *binlogStream) decode(eventType replication.EventType, e *replication.RowsEvent) ([]Change, error) {
	var op Operation
	switch eventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		op = OperationInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		op = OperationUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		op = OperationDelete
	default:
		return nil, nil
	}

	var changes []Change
	for i := 0; i < len(e.Rows); i++ {
		c := Change{Operation: op, Table: s.source.cfg.Table, Columns: s.columns}
		switch op {
		case OperationInsert:
			c.After = s.row(e.Rows[i])
		case OperationUpdate:
			if i+1 >= len(e.Rows) {
				return nil, errors.New("incomplete update rows event")
			}
			c.Before = s.row(e.Rows[i])
			i++
			c.After = s.row(e.Rows[i])
		case OperationDelete:
			c.Before = s.row(e.Rows[i])
		}
		changes = append(changes, c)
	}
	if len(changes) > 0 {
		pos := s.pos
		changes[len(changes)-1].Position = &pos
	}
	return changes, nil
}

// row aligns a binlog row image with the known columns
func (s *binlogStream) row(values []any) []any {
	row := make([]any, len(s.columns))
	copy(row, values)
	return row
}

func (s *binlogStream) Close() error {
	s.syncer.Close()
	return nil
}
