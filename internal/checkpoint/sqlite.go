package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"shardscale/internal/position"

	_ "modernc.org/sqlite"
)

// ErrStoreClosed is returned by every operation after Close
var ErrStoreClosed = errors.New("checkpoint store is closed")

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	closed  atomic.Bool
	writeMu sync.Mutex
}

// NewSQLiteStore creates a new SQLite checkpoint store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite for concurrent access
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS positions (
		job_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		range_id TEXT NOT NULL,
		position TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, table_name, range_id)
	);

	CREATE TABLE IF NOT EXISTS tasks (
		job_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		completed INTEGER NOT NULL DEFAULT 0,
		estimated_total INTEGER NOT NULL DEFAULT -1,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (job_id, table_name, kind)
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(job_id, status);
	`

	_, err := s.db.Exec(query)
	return err
}

// SavePosition upserts the position of one range
func (s *SQLiteStore) SavePosition(ctx context.Context, record *PositionRecord) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	encoded, err := position.Encode(record.Position)
	if err != nil {
		return err
	}
	record.UpdatedAt = time.Now()

	// Serialize writes to avoid SQLITE_BUSY from multiple concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (job_id, table_name, range_id, position, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id, table_name, range_id) DO UPDATE SET
			position = excluded.position,
			updated_at = excluded.updated_at
		`, record.JobID, record.Table, record.RangeID, string(encoded), record.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to save position: %w", err)
		}
		return nil
	})
}

// LoadPositions returns every saved range position of a table task
func (s *SQLiteStore) LoadPositions(ctx context.Context, jobID, table string) (position.Map, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	positions := make(position.Map)
	err := s.retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT range_id, position FROM positions WHERE job_id = ? AND table_name = ?`, jobID, table)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rangeID, encoded string
			if err := rows.Scan(&rangeID, &encoded); err != nil {
				return err
			}
			p, err := position.Decode([]byte(encoded))
			if err != nil {
				return fmt.Errorf("range %s: %w", rangeID, err)
			}
			positions[rangeID] = p
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	return positions, nil
}

// GetTask retrieves a task record with retry mechanism
func (s *SQLiteStore) GetTask(ctx context.Context, jobID, table, kind string) (*TaskRecord, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var result *TaskRecord
	err := s.retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, selectTasks+` WHERE job_id = ? AND table_name = ? AND kind = ?`, jobID, table, kind)
		if err != nil {
			return err
		}
		records, err := scanTasks(rows)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			result = records[0]
		}
		return nil
	})
	return result, err
}

// SaveTaskStatus saves or updates a task record with retry mechanism
func (s *SQLiteStore) SaveTaskStatus(ctx context.Context, record *TaskRecord) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.retryOnBusy(ctx, func() error {
		return s.saveTaskWithTransaction(ctx, record)
	})
}

// saveTaskWithTransaction performs the actual save operation in a transaction
func (s *SQLiteStore) saveTaskWithTransaction(ctx context.Context, record *TaskRecord) error {
	record.UpdatedAt = time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // This will be ignored if Commit() succeeds

	// Use UPSERT to avoid DELETE+INSERT of REPLACE which increases lock contention
	query := `
    INSERT INTO tasks
    (job_id, table_name, kind, status, completed, estimated_total, attempts, last_error, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON CONFLICT(job_id, table_name, kind) DO UPDATE SET
        status = excluded.status,
        completed = excluded.completed,
        estimated_total = excluded.estimated_total,
        attempts = excluded.attempts,
        last_error = excluded.last_error,
        updated_at = excluded.updated_at
    `

	_, err = tx.ExecContext(ctx, query,
		record.JobID,
		record.Table,
		record.Kind,
		record.Status,
		record.Completed,
		record.EstimatedTotal,
		record.Attempts,
		record.LastError,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to execute insert: %w", err)
	}

	return tx.Commit()
}

// ListFailedTasks returns the failed tasks of a job, oldest first
func (s *SQLiteStore) ListFailedTasks(ctx context.Context, jobID string) ([]*TaskRecord, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	var records []*TaskRecord
	err := s.retryOnBusy(ctx, func() error {
		rows, err := s.db.QueryContext(ctx,
			selectTasks+` WHERE job_id = ? AND status = ? ORDER BY updated_at ASC`, jobID, StatusFailed)
		if err != nil {
			return err
		}
		records, err = scanTasks(rows)
		return err
	})
	return records, err
}

const selectTasks = `
	SELECT job_id, table_name, kind, status, completed, estimated_total, attempts, last_error, updated_at
	FROM tasks`

func scanTasks(rows *sql.Rows) ([]*TaskRecord, error) {
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		var record TaskRecord
		var lastError sql.NullString

		err := rows.Scan(
			&record.JobID,
			&record.Table,
			&record.Kind,
			&record.Status,
			&record.Completed,
			&record.EstimatedTotal,
			&record.Attempts,
			&lastError,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		if lastError.Valid {
			record.LastError = lastError.String
		}

		records = append(records, &record)
	}

	return records, rows.Err()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if !isSQLiteBusyError(err) || attempt == maxRetries-1 {
			return err
		}

		// Wait with exponential backoff + jitter
		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
