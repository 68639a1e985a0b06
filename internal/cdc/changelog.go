package cdc

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"shardscale/internal/datasource"
	"shardscale/internal/position"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ChangelogTable records the changes captured by the installed triggers
const ChangelogTable = "_shardscale_changelog"

const (
	defaultPollInterval = 500 * time.Millisecond
	pollBatch           = 500
)

// ChangelogConfig selects one SQLite table captured through triggers
type ChangelogConfig struct {
	Endpoint datasource.EndpointConfig
	Table    string
	// Columns defaults to every column of the table
	Columns      []string
	PollInterval time.Duration
	// StopAtHead ends streams with io.EOF once the changelog is drained
	StopAtHead bool
}

// ChangelogSource follows a SQLite table through a trigger-maintained
// changelog. Install must run before the changes to capture are made.
type ChangelogSource struct {
	cfg    ChangelogConfig
	mgr    *datasource.Manager
	logger *zap.Logger
}

var _ Source = (*ChangelogSource)(nil)

// NewChangelogSource creates a changelog source
func NewChangelogSource(cfg ChangelogConfig, mgr *datasource.Manager, logger *zap.Logger) (*ChangelogSource, error) {
	if cfg.Endpoint.Type != datasource.TypeSQLite {
		return nil, fmt.Errorf("changelog source needs a sqlite endpoint, got %q", cfg.Endpoint.Type)
	}
	if cfg.Table == "" {
		return nil, errors.New("changelog source needs a table")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &ChangelogSource{
		cfg:    cfg,
		mgr:    mgr,
		logger: logger.With(zap.String("source", "changelog"), zap.String("table", cfg.Table)),
	}, nil
}

// Install creates the changelog table and the capture triggers; it is
// safe to run repeatedly.
func (s *ChangelogSource) Install(ctx context.Context) error {
	lease, err := s.mgr.Acquire(ctx, s.cfg.Endpoint)
	if err != nil {
		return err
	}
	defer lease.Release()

	columns, err := s.resolveColumns(ctx, lease)
	if err != nil {
		return err
	}

	d := lease.Dialect()
	table := d.Quote(s.cfg.Table)
	image := func(ref string) string {
		refs := make([]string, len(columns))
		for i, c := range columns {
			refs[i] = ref + "." + d.Quote(c)
		}
		return "json_array(" + strings.Join(refs, ", ") + ")"
	}
	trigger := func(op string) string {
		return d.Quote("_shardscale_" + s.cfg.Table + "_" + op)
	}
	literal := "'" + strings.ReplaceAll(s.cfg.Table, "'", "''") + "'"

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + ChangelogTable + ` (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			tbl TEXT NOT NULL,
			op TEXT NOT NULL,
			before TEXT,
			after TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS ` + ChangelogTable + `_tbl_seq ON ` + ChangelogTable + ` (tbl, seq)`,
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER INSERT ON %s BEGIN
			INSERT INTO %s (tbl, op, after) VALUES (%s, 'insert', %s); END`,
			trigger("insert"), table, ChangelogTable, literal, image("NEW")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s BEGIN
			INSERT INTO %s (tbl, op, before, after) VALUES (%s, 'update', %s, %s); END`,
			trigger("update"), table, ChangelogTable, literal, image("OLD"), image("NEW")),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER DELETE ON %s BEGIN
			INSERT INTO %s (tbl, op, before) VALUES (%s, 'delete', %s); END`,
			trigger("delete"), table, ChangelogTable, literal, image("OLD")),
	}
	for _, stmt := range stmts {
		if _, err := lease.Conn().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to install changelog: %w", err)
		}
	}
	s.logger.Info("Installed changelog triggers", zap.Strings("columns", columns))
	return nil
}

// Purge removes captured changes up to and including upTo
func (s *ChangelogSource) Purge(ctx context.Context, upTo *position.SequencePosition) (int64, error) {
	lease, err := s.mgr.Acquire(ctx, s.cfg.Endpoint)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	res, err := lease.Conn().ExecContext(ctx,
		"DELETE FROM "+ChangelogTable+" WHERE tbl = ? AND seq <= ?", s.cfg.Table, upTo.Seq)
	if err != nil {
		return 0, fmt.Errorf("failed to purge changelog: %w", err)
	}
	return res.RowsAffected()
}

// Open streams changes after from, a *position.SequencePosition, or after
// the newest captured change when from is nil. The stream holds one
// connection until closed.
func (s *ChangelogSource) Open(ctx context.Context, from position.Position) (Stream, error) {
	lease, err := s.mgr.Acquire(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	columns, err := s.resolveColumns(ctx, lease)
	if err != nil {
		lease.Release()
		return nil, err
	}

	var last int64
	switch p := from.(type) {
	case nil:
		if last, err = s.head(ctx, lease); err != nil {
			lease.Release()
			return nil, err
		}
	case *position.SequencePosition:
		last = p.Seq
	default:
		lease.Release()
		return nil, fmt.Errorf("changelog source cannot resume from %s position", from.Type())
	}

	return &changelogStream{source: s, lease: lease, columns: columns, last: last}, nil
}

// Head returns the position of the newest captured change. Taken right
// after Install, it marks where replay has to begin so nothing written
// during an inventory copy is lost.
func (s *ChangelogSource) Head(ctx context.Context) (*position.SequencePosition, error) {
	lease, err := s.mgr.Acquire(ctx, s.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	seq, err := s.head(ctx, lease)
	if err != nil {
		return nil, err
	}
	return &position.SequencePosition{Seq: seq}, nil
}

// CurrentPosition implements HeadReader
func (s *ChangelogSource) CurrentPosition(ctx context.Context) (position.Position, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return nil, err
	}
	return head, nil
}

func (s *ChangelogSource) head(ctx context.Context, lease *datasource.Lease) (int64, error) {
	var seq int64
	err := lease.Conn().QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM "+ChangelogTable+" WHERE tbl = ?", s.cfg.Table,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read changelog head: %w", err)
	}
	return seq, nil
}

func (s *ChangelogSource) resolveColumns(ctx context.Context, lease *datasource.Lease) ([]string, error) {
	if len(s.cfg.Columns) > 0 {
		return s.cfg.Columns, nil
	}
	rows, err := lease.Conn().QueryContext(ctx, "SELECT * FROM "+lease.Dialect().Quote(s.cfg.Table)+" WHERE 1 = 0")
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", s.cfg.Table, err)
	}
	defer rows.Close()
	return rows.Columns()
}

type changelogStream struct {
	source  *ChangelogSource
	lease   *datasource.Lease
	columns []string
	last    int64
	pending []Change
}

// Next polls the changelog until a change arrives or ctx is done
func (s *changelogStream) Next(ctx context.Context) (Change, error) {
	for len(s.pending) == 0 {
		if err := s.poll(ctx); err != nil {
			return Change{}, err
		}
		if len(s.pending) > 0 {
			break
		}
		if s.source.cfg.StopAtHead {
			return Change{}, io.EOF
		}

		timer := time.NewTimer(s.source.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Change{}, ctx.Err()
		case <-timer.C:
		}
	}

	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *changelogStream) poll(ctx context.Context) error {
	rows, err := s.lease.Conn().QueryContext(ctx,
		"SELECT seq, op, before, after FROM "+ChangelogTable+" WHERE tbl = ? AND seq > ? ORDER BY seq LIMIT ?",
		s.source.cfg.Table, s.last, pollBatch)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to poll changelog: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq           int64
			op            string
			before, after sql.NullString
		)
		if err := rows.Scan(&seq, &op, &before, &after); err != nil {
			return fmt.Errorf("failed to scan changelog row: %w", err)
		}

		c := Change{
			Table:    s.source.cfg.Table,
			Columns:  s.columns,
			Position: &position.SequencePosition{Seq: seq},
		}
		switch op {
		case "insert":
			c.Operation = OperationInsert
		case "update":
			c.Operation = OperationUpdate
		case "delete":
			c.Operation = OperationDelete
		default:
			return fmt.Errorf("unknown changelog operation %q at seq %d", op, seq)
		}
		if c.Before, err = decodeImage(before); err != nil {
			return fmt.Errorf("changelog seq %d: %w", seq, err)
		}
		if c.After, err = decodeImage(after); err != nil {
			return fmt.Errorf("changelog seq %d: %w", seq, err)
		}

		s.pending = append(s.pending, c)
		s.last = seq
	}
	if err := rows.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("failed to poll changelog: %w", err)
	}
	return nil
}

func (s *changelogStream) Close() error {
	return s.lease.Release()
}

// decodeImage parses a json_array row image, keeping integers exact
func decodeImage(image sql.NullString) ([]any, error) {
	if !image.Valid {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(image.String)))
	dec.UseNumber()

	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("invalid row image: %w", err)
	}
	for i, v := range values {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if iv, err := n.Int64(); err == nil {
			values[i] = iv
		} else if fv, err := n.Float64(); err == nil {
			values[i] = fv
		}
	}
	return values, nil
}
