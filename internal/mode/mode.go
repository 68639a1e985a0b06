// Package mode defines the resource mode policy shared by sharded query
// execution and migration scanning.
package mode

import (
	"fmt"
	"strings"
)

// ConnectionMode decides how many connections a multi-table operation may
// hold on one store and how its results are merged. It has exactly two
// values and is fixed for the lifetime of a job or query.
type ConnectionMode int

const (
	// Streaming opens one connection per physical table scan and merges
	// results by advancing the open cursors. Memory conservative.
	Streaming ConnectionMode = iota
	// Buffered reuses a single connection per store serially, materializing
	// each table's rows before moving on. Connection conservative.
	Buffered
)

// MergeKind is the result merging strategy implied by a mode
type MergeKind int

const (
	StreamMerge MergeKind = iota
	MemoryMerge
)

func (k MergeKind) String() string {
	if k == MemoryMerge {
		return "memory"
	}
	return "stream"
}

// Parse converts a configuration string into a ConnectionMode
func Parse(s string) (ConnectionMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "STREAMING", "MEMORY_STRICTLY":
		return Streaming, nil
	case "BUFFERED", "CONNECTION_STRICTLY":
		return Buffered, nil
	default:
		return 0, fmt.Errorf("unknown connection mode %q", s)
	}
}

func (m ConnectionMode) String() string {
	switch m {
	case Streaming:
		return "STREAMING"
	case Buffered:
		return "BUFFERED"
	default:
		return fmt.Sprintf("ConnectionMode(%d)", int(m))
	}
}

// Valid reports whether m is one of the two defined modes
func (m ConnectionMode) Valid() bool {
	return m == Streaming || m == Buffered
}

// MergeKind returns how results gathered under m are combined
func (m ConnectionMode) MergeKind() MergeKind {
	if m == Buffered {
		return MemoryMerge
	}
	return StreamMerge
}

// Connections returns how many connections one store may hold open at
// once for the given number of physical table scans.
func (m ConnectionMode) Connections(scans int) int {
	if scans <= 0 {
		return 0
	}
	if m == Buffered {
		return 1
	}
	return scans
}

// MarshalText implements encoding.TextMarshaler
func (m ConnectionMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid connection mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (m *ConnectionMode) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
