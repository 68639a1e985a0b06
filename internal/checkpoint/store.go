package checkpoint

import (
	"context"
	"time"

	"shardscale/internal/position"
)

// TaskStatus represents the status of a synchronization task
type TaskStatus string

const (
	StatusRunning  TaskStatus = "running"
	StatusFinished TaskStatus = "finished"
	StatusFailed   TaskStatus = "failed"
)

// PositionRecord is the durable position of one range of a table task
type PositionRecord struct {
	JobID     string            `json:"job_id"`
	Table     string            `json:"table"`
	RangeID   string            `json:"range_id"`
	Position  position.Position `json:"-"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// TaskRecord represents a task record in the checkpoint store
type TaskRecord struct {
	JobID          string     `json:"job_id"`
	Table          string     `json:"table"`
	Kind           string     `json:"kind"`
	Status         TaskStatus `json:"status"`
	Completed      int64      `json:"completed"`
	EstimatedTotal int64      `json:"estimated_total"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Store defines the interface for checkpoint persistence
type Store interface {
	// Position operations
	SavePosition(ctx context.Context, record *PositionRecord) error
	LoadPositions(ctx context.Context, jobID, table string) (position.Map, error)

	// Task operations
	SaveTaskStatus(ctx context.Context, record *TaskRecord) error
	GetTask(ctx context.Context, jobID, table, kind string) (*TaskRecord, error)
	ListFailedTasks(ctx context.Context, jobID string) ([]*TaskRecord, error)

	// Cleanup
	Close() error
}

// TableCheckpointer saves the positions of one table task into a Store
type TableCheckpointer struct {
	store Store
	jobID string
	table string
}

// NewCheckpointer binds store to the positions of (jobID, table)
func NewCheckpointer(store Store, jobID, table string) *TableCheckpointer {
	return &TableCheckpointer{store: store, jobID: jobID, table: table}
}

// SavePosition records p as the position of rangeID
func (c *TableCheckpointer) SavePosition(ctx context.Context, rangeID string, p position.Position) error {
	return c.store.SavePosition(ctx, &PositionRecord{
		JobID:    c.jobID,
		Table:    c.table,
		RangeID:  rangeID,
		Position: p,
	})
}
