package worker

import (
	"time"

	"shardscale/internal/position"
	"shardscale/internal/progress"
	"shardscale/internal/synctask"
)

// Task represents one table task handed to the pool. The pool may run it
// several times; every run is a fresh synctask.Task built by NewAttempt.
type Task interface {
	JobID() string
	Table() string
	Kind() synctask.Kind
	// NewAttempt builds a synchronization task resuming from positions
	NewAttempt(positions position.Map) (synctask.Task, error)
	// Listen receives the events of every attempt
	Listen(ev synctask.Event)
	// Stopped is closed once no further attempt may start
	Stopped() <-chan struct{}
	// Finish reports the outcome after the last attempt
	Finish(result Result)
}

// Result is the outcome of a task after all its attempts
type Result struct {
	Err      error
	Attempts int
	Skipped  bool
	Progress progress.Snapshot
	Duration time.Duration
}

// Config contains worker configuration
type Config struct {
	Retries        int // extra attempts after a retryable failure
	RetryBackoffMs int
	SkipFinished   bool // skip inventory tasks the store records as finished
}
