package synctask

import (
	"fmt"
	"math"
	"strconv"

	"shardscale/internal/position"
)

// scanRange is a contiguous slice of one physical table
type scanRange struct {
	id     string
	dumper TableConfig
	// key is nil when the table is scanned without a primary key
	key  *position.PrimaryKeyPosition
	rows int64
	done bool
}

func rangeID(dumper TableConfig, i int) string {
	return dumper.Name() + "#" + strconv.Itoa(i)
}

// position returns the durable position of the range
func (r *scanRange) position() position.Position {
	if r.done {
		return &position.FinishedPosition{Rows: r.rows}
	}
	if r.key == nil {
		return &position.PlaceholderPosition{Rows: r.rows}
	}
	p := *r.key
	p.Rows = r.rows
	return &p
}

// resumeRange rebuilds a range from its saved position. Rows written by an
// unkeyed scan cannot be skipped, so such a range restarts from scratch.
func resumeRange(id string, dumper TableConfig, saved position.Position) (*scanRange, error) {
	r := &scanRange{id: id, dumper: dumper}
	switch p := saved.(type) {
	case *position.FinishedPosition:
		r.rows = p.Rows
		r.done = true
	case *position.PrimaryKeyPosition:
		if dumper.PrimaryKey == "" {
			return nil, fmt.Errorf("range %s has a key position but %s has no primary key", id, dumper.Name())
		}
		key := *p
		r.key = &key
		r.rows = p.Rows
		r.done = key.Done()
	case *position.PlaceholderPosition:
	default:
		return nil, fmt.Errorf("range %s: unexpected position type %s", id, saved.Type())
	}
	return r, nil
}

// splitKeys divides [lo, hi] into at most n contiguous ranges of near
// equal width.
func splitKeys(lo, hi int64, n int) []position.PrimaryKeyPosition {
	if hi < lo || n <= 0 {
		return nil
	}
	span := uint64(hi-lo) + 1
	if span == 0 {
		span = math.MaxUint64
	}
	if uint64(n) > span {
		n = int(span)
	}

	size := span / uint64(n)
	rem := span % uint64(n)
	ranges := make([]position.PrimaryKeyPosition, 0, n)
	begin := lo
	for i := 0; i < n; i++ {
		width := size
		if uint64(i) < rem {
			width++
		}
		end := begin + int64(width-1)
		if i == n-1 {
			end = hi
		}
		ranges = append(ranges, position.PrimaryKeyPosition{Begin: begin, End: end, Next: begin})
		begin = end + 1
	}
	return ranges
}

// toInt64 converts a scanned key value
func toInt64(v any) (int64, error) {
	switch k := v.(type) {
	case int64:
		return k, nil
	case int32:
		return int64(k), nil
	case int:
		return int64(k), nil
	case int16:
		return int64(k), nil
	case int8:
		return int64(k), nil
	case uint64:
		if k > math.MaxInt64 {
			return 0, fmt.Errorf("key %d overflows int64", k)
		}
		return int64(k), nil
	case uint32:
		return int64(k), nil
	case []byte:
		return strconv.ParseInt(string(k), 10, 64)
	case string:
		return strconv.ParseInt(k, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported key type %T", v)
	}
}
