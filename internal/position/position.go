// Package position defines how far a synchronization task has progressed.
// Positions are persisted in the checkpoint map so a job can resume.
package position

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// Position is a durable marker of task progress
type Position interface {
	// Type names the position kind in its encoded envelope
	Type() string
	String() string
}

// Map is the checkpoint map of one task, keyed by range or stream id
type Map map[string]Position

const (
	typePrimaryKey  = "primary_key"
	typePlaceholder = "placeholder"
	typeFinished    = "finished"
	typeBinlog      = "binlog"
	typeSequence    = "sequence"
)

// PrimaryKeyPosition tracks an inventory range [Begin, End] on an integer
// key. Next is the smallest key not yet written; Rows counts rows written.
type PrimaryKeyPosition struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
	Next  int64 `json:"next"`
	Rows  int64 `json:"rows"`
}

func (p *PrimaryKeyPosition) Type() string { return typePrimaryKey }

func (p *PrimaryKeyPosition) String() string {
	return fmt.Sprintf("[%d,%d] next=%d rows=%d", p.Begin, p.End, p.Next, p.Rows)
}

// Done reports whether the whole range has been written
func (p *PrimaryKeyPosition) Done() bool { return p.Next > p.End }

// PlaceholderPosition marks a range without a usable key; it can only be
// restarted from the beginning.
type PlaceholderPosition struct {
	Rows int64 `json:"rows"`
}

func (p *PlaceholderPosition) Type() string { return typePlaceholder }

func (p *PlaceholderPosition) String() string {
	return "placeholder rows=" + strconv.FormatInt(p.Rows, 10)
}

// FinishedPosition marks a completed range
type FinishedPosition struct {
	Rows int64 `json:"rows"`
}

func (p *FinishedPosition) Type() string { return typeFinished }

func (p *FinishedPosition) String() string { return "finished rows=" + strconv.FormatInt(p.Rows, 10) }

// BinlogPosition is a MySQL binary log coordinate
type BinlogPosition struct {
	Name string `json:"name"`
	Pos  uint32 `json:"pos"`
}

func (p *BinlogPosition) Type() string { return typeBinlog }

func (p *BinlogPosition) String() string { return fmt.Sprintf("%s:%d", p.Name, p.Pos) }

// Compare orders two binlog coordinates
func (p *BinlogPosition) Compare(other *BinlogPosition) int {
	switch {
	case p.Name < other.Name:
		return -1
	case p.Name > other.Name:
		return 1
	case p.Pos < other.Pos:
		return -1
	case p.Pos > other.Pos:
		return 1
	}
	return 0
}

// SequencePosition is the last applied entry of a sequenced change log
type SequencePosition struct {
	Seq int64 `json:"seq"`
}

func (p *SequencePosition) Type() string { return typeSequence }

func (p *SequencePosition) String() string { return "seq=" + strconv.FormatInt(p.Seq, 10) }

// Rows returns the row count carried by inventory positions, 0 otherwise
func Rows(p Position) int64 {
	switch v := p.(type) {
	case *PrimaryKeyPosition:
		return v.Rows
	case *PlaceholderPosition:
		return v.Rows
	case *FinishedPosition:
		return v.Rows
	}
	return 0
}

type envelope struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// Encode serializes p with its type tag
func Encode(p Position) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil position")
	}
	value, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s position: %w", p.Type(), err)
	}
	return json.Marshal(envelope{Type: p.Type(), Value: value})
}

// Decode parses a position produced by Encode
func Decode(data []byte) (Position, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode position: %w", err)
	}

	var p Position
	switch env.Type {
	case typePrimaryKey:
		p = &PrimaryKeyPosition{}
	case typePlaceholder:
		p = &PlaceholderPosition{}
	case typeFinished:
		p = &FinishedPosition{}
	case typeBinlog:
		p = &BinlogPosition{}
	case typeSequence:
		p = &SequencePosition{}
	default:
		return nil, fmt.Errorf("unknown position type %q", env.Type)
	}
	if err := json.Unmarshal(env.Value, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s position: %w", env.Type, err)
	}
	return p, nil
}
