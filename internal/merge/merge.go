// Package merge combines rows coming from several physical tables into one
// result, either by advancing open cursors or by merging materialized rows.
package merge

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"

	"shardscale/internal/mode"
)

// Cursor is a forward-only row source
type Cursor interface {
	Next() bool
	Values() []any
	Err() error
	Close() error
}

// Result is the merged view over several cursors
type Result interface {
	Cursor
}

// Less orders two rows. A nil Less keeps source order.
type Less func(a, b []any) bool

// New selects the merge strategy implied by m. Under Buffered every cursor
// is drained and closed, one after another, before merging in memory.
func New(m mode.ConnectionMode, cursors []Cursor, less Less) (Result, error) {
	if m.MergeKind() == mode.StreamMerge {
		return NewStream(cursors, less), nil
	}

	rowsets := make([][][]any, 0, len(cursors))
	for i, c := range cursors {
		rows, err := Materialize(c)
		if err != nil {
			closeAll(cursors[i+1:])
			return nil, err
		}
		rowsets = append(rowsets, rows)
	}
	return NewBuffered(rowsets, less), nil
}

// Materialize drains c into memory and closes it
func Materialize(c Cursor) ([][]any, error) {
	var rows [][]any
	for c.Next() {
		rows = append(rows, c.Values())
	}
	err := c.Err()
	if closeErr := c.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to materialize rows: %w", err)
	}
	return rows, nil
}

func closeAll(cursors []Cursor) error {
	var errs []error
	for _, c := range cursors {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// streamResult merges open cursors on demand
type streamResult struct {
	cursors []Cursor
	less    Less

	// ordered merge state
	queue   *cursorHeap
	started bool
	last    int

	// sequential merge state
	index int

	current []any
	err     error
}

// NewStream merges the cursors without buffering. With a Less the result
// is an ordered k-way merge, assuming each cursor is already sorted.
func NewStream(cursors []Cursor, less Less) Result {
	return &streamResult{cursors: cursors, less: less, last: -1}
}

func (s *streamResult) Next() bool {
	if s.err != nil {
		return false
	}
	if s.less == nil {
		return s.nextSequential()
	}
	return s.nextOrdered()
}

func (s *streamResult) nextSequential() bool {
	for s.index < len(s.cursors) {
		c := s.cursors[s.index]
		if c.Next() {
			s.current = c.Values()
			return true
		}
		if err := c.Err(); err != nil {
			s.err = err
			return false
		}
		s.index++
	}
	s.current = nil
	return false
}

func (s *streamResult) nextOrdered() bool {
	if !s.started {
		s.started = true
		s.queue = &cursorHeap{less: s.less}
		for i, c := range s.cursors {
			if !s.push(i, c) {
				return false
			}
		}
	} else if s.last >= 0 {
		if !s.push(s.last, s.cursors[s.last]) {
			return false
		}
	}

	if s.queue.Len() == 0 {
		s.current = nil
		s.last = -1
		return false
	}
	top := heap.Pop(s.queue).(heapItem)
	s.current = top.row
	s.last = top.index
	return true
}

// push advances cursor i and queues its row; false means an error occurred
func (s *streamResult) push(i int, c Cursor) bool {
	if c.Next() {
		heap.Push(s.queue, heapItem{index: i, row: c.Values()})
		return true
	}
	if err := c.Err(); err != nil {
		s.err = err
		return false
	}
	return true
}

func (s *streamResult) Values() []any { return s.current }

func (s *streamResult) Err() error { return s.err }

func (s *streamResult) Close() error { return closeAll(s.cursors) }

type heapItem struct {
	index int
	row   []any
}

type cursorHeap struct {
	items []heapItem
	less  Less
}

func (h *cursorHeap) Len() int { return len(h.items) }

func (h *cursorHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.row, b.row) {
		return true
	}
	if h.less(b.row, a.row) {
		return false
	}
	// ties keep source order
	return a.index < b.index
}

func (h *cursorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *cursorHeap) Push(x any) { h.items = append(h.items, x.(heapItem)) }

func (h *cursorHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// bufferedResult iterates rows that are already in memory
type bufferedResult struct {
	rows [][]any
	pos  int
}

// NewBuffered merges materialized rowsets in memory. With a Less the rows
// are stable sorted; otherwise they keep source order.
func NewBuffered(rowsets [][][]any, less Less) Result {
	var total int
	for _, rs := range rowsets {
		total += len(rs)
	}
	rows := make([][]any, 0, total)
	for _, rs := range rowsets {
		rows = append(rows, rs...)
	}
	if less != nil {
		sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
	}
	return &bufferedResult{rows: rows, pos: -1}
}

func (b *bufferedResult) Next() bool {
	if b.pos+1 >= len(b.rows) {
		b.pos = len(b.rows)
		return false
	}
	b.pos++
	return true
}

func (b *bufferedResult) Values() []any {
	if b.pos < 0 || b.pos >= len(b.rows) {
		return nil
	}
	return b.rows[b.pos]
}

func (b *bufferedResult) Err() error { return nil }

func (b *bufferedResult) Close() error { return nil }
