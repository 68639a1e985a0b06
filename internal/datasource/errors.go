package datasource

import (
	"errors"
	"fmt"
)

var (
	// ErrManagerClosed is returned by Acquire after Close
	ErrManagerClosed = errors.New("connection manager is closed")

	// ErrTableNotFound is returned when the table or its metadata does not exist
	ErrTableNotFound = errors.New("table not found")

	// ErrEstimateUnavailable is returned when the store cannot estimate a row count
	ErrEstimateUnavailable = errors.New("row count estimate unavailable")
)

// ConnectionError reports an unreachable store, an authentication
// failure or a pool acquire timeout.
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is or wraps a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}
