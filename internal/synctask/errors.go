package synctask

import (
	"errors"
	"fmt"

	"shardscale/internal/datasource"
)

var (
	// ErrCancelled is the terminal cause of a task ended by Stop
	ErrCancelled = errors.New("sync task cancelled")

	// ErrAlreadyStarted is returned when Start is called more than once
	ErrAlreadyStarted = errors.New("sync task already started")
)

// SyncTaskExecuteError is a fatal, non-retryable task failure such as a
// missing table, an unavailable row estimate or a schema mismatch.
type SyncTaskExecuteError struct {
	TaskID string
	Reason string
	Err    error
}

func (e *SyncTaskExecuteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sync task %s: %s", e.TaskID, e.Reason)
	}
	return fmt.Sprintf("sync task %s: %s: %v", e.TaskID, e.Reason, e.Err)
}

func (e *SyncTaskExecuteError) Unwrap() error {
	return e.Err
}

// IsExecuteError reports whether err is or wraps a SyncTaskExecuteError
func IsExecuteError(err error) bool {
	var execErr *SyncTaskExecuteError
	return errors.As(err, &execErr)
}

// IsRetryable reports whether a fresh attempt of the task may succeed.
// Only connection failures qualify.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) || IsExecuteError(err) {
		return false
	}
	return datasource.IsConnectionError(err)
}
