package merge

import (
	"database/sql"
	"errors"
	"fmt"
)

// rowsCursor adapts *sql.Rows to Cursor
type rowsCursor struct {
	rows    *sql.Rows
	dest    []any
	values  []any
	onClose func() error
	closed  bool
	err     error
}

// FromRows wraps rows as a Cursor. onClose, if set, runs after the rows are
// closed, typically to release the connection the rows were read from.
func FromRows(rows *sql.Rows, onClose func() error) (Cursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		if onClose != nil {
			onClose()
		}
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	return &rowsCursor{rows: rows, dest: dest, values: values, onClose: onClose}, nil
}

func (c *rowsCursor) Next() bool {
	if c.closed || c.err != nil {
		return false
	}
	if !c.rows.Next() {
		return false
	}
	if err := c.rows.Scan(c.dest...); err != nil {
		c.err = fmt.Errorf("failed to scan row: %w", err)
		return false
	}
	return true
}

// Values returns a copy of the current row
func (c *rowsCursor) Values() []any {
	row := make([]any, len(c.values))
	copy(row, c.values)
	return row
}

func (c *rowsCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *rowsCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.rows.Close()
	if c.onClose != nil {
		err = errors.Join(err, c.onClose())
	}
	return err
}

// SliceCursor iterates rows held in memory
type SliceCursor struct {
	Rows   [][]any
	pos    int
	closed bool
}

// NewSliceCursor returns a cursor over rows
func NewSliceCursor(rows [][]any) *SliceCursor {
	return &SliceCursor{Rows: rows, pos: -1}
}

func (s *SliceCursor) Next() bool {
	if s.closed || s.pos+1 >= len(s.Rows) {
		return false
	}
	s.pos++
	return true
}

func (s *SliceCursor) Values() []any { return s.Rows[s.pos] }

func (s *SliceCursor) Err() error { return nil }

func (s *SliceCursor) Close() error {
	s.closed = true
	return nil
}

// Closed reports whether Close was called
func (s *SliceCursor) Closed() bool { return s.closed }
