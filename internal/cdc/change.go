// Package cdc provides change streams consumed by incremental
// synchronization tasks.
package cdc

import (
	"context"
	"fmt"

	"shardscale/internal/position"
)

// Operation is the kind of row change
type Operation int

const (
	OperationInsert Operation = iota + 1
	OperationUpdate
	OperationDelete
)

func (o Operation) String() string {
	switch o {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// Change is one row change. Before and After are aligned with Columns;
// Before is nil for inserts and After is nil for deletes.
type Change struct {
	Operation Operation
	Table     string
	Columns   []string
	Before    []any
	After     []any
	// Position is the replayable coordinate just after this change
	Position position.Position
}

// Stream yields changes in source order. Next blocks until a change is
// available, ctx is done, or the stream ends with io.EOF.
type Stream interface {
	Next(ctx context.Context) (Change, error)
	Close() error
}

// Source opens a change stream starting after from; a nil from means the
// source's current head.
type Source interface {
	Open(ctx context.Context, from position.Position) (Stream, error)
}

// HeadReader is implemented by sources that can report their current
// position. Reading it before an inventory copy makes the incremental task
// start from the first change the copy may have missed.
type HeadReader interface {
	CurrentPosition(ctx context.Context) (position.Position, error)
}
