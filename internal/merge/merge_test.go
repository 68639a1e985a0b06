package merge

import (
	"errors"
	"testing"

	"shardscale/internal/mode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func byFirstInt(a, b []any) bool { return a[0].(int) < b[0].(int) }

func ids(t *testing.T, r Result) []int {
	t.Helper()
	var out []int
	for r.Next() {
		out = append(out, r.Values()[0].(int))
	}
	require.NoError(t, r.Err())
	return out
}

func rowsOf(vals ...int) [][]any {
	rows := make([][]any, len(vals))
	for i, v := range vals {
		rows[i] = []any{v}
	}
	return rows
}

func TestStream_Ordered(t *testing.T) {
	a := NewSliceCursor(rowsOf(1, 4, 7))
	b := NewSliceCursor(rowsOf(2, 5))
	c := NewSliceCursor(rowsOf(3, 6, 8, 9))

	r := NewStream([]Cursor{a, b, c}, byFirstInt)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, ids(t, r))

	require.NoError(t, r.Close())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.True(t, c.Closed())
}

func TestStream_Sequential(t *testing.T) {
	r := NewStream([]Cursor{
		NewSliceCursor(rowsOf(9, 1)),
		NewSliceCursor(nil),
		NewSliceCursor(rowsOf(5)),
	}, nil)
	assert.Equal(t, []int{9, 1, 5}, ids(t, r))
}

func TestBuffered_SortsStable(t *testing.T) {
	r := NewBuffered([][][]any{
		{{2, "a"}, {1, "a"}},
		{{2, "b"}, {0, "b"}},
	}, byFirstInt)

	var got []string
	for r.Next() {
		row := r.Values()
		got = append(got, row[1].(string))
	}
	assert.Equal(t, []string{"b", "a", "a", "b"}, got)
	assert.Nil(t, r.Values())
}

func TestNew_SelectsByMode(t *testing.T) {
	a := NewSliceCursor(rowsOf(3, 1))
	b := NewSliceCursor(rowsOf(2))

	r, err := New(mode.Buffered, []Cursor{a, b}, byFirstInt)
	require.NoError(t, err)
	// buffered drains and closes each source before merging
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, []int{1, 2, 3}, ids(t, r))

	c := NewSliceCursor(rowsOf(1))
	r, err = New(mode.Streaming, []Cursor{c}, nil)
	require.NoError(t, err)
	assert.False(t, c.Closed())
	assert.Equal(t, []int{1}, ids(t, r))
}

type failingCursor struct{ closed bool }

func (f *failingCursor) Next() bool    { return false }
func (f *failingCursor) Values() []any { return nil }
func (f *failingCursor) Err() error    { return errors.New("boom") }

func (f *failingCursor) Close() error {
	f.closed = true
	return nil
}

func TestNew_BufferedErrorClosesRemaining(t *testing.T) {
	bad := &failingCursor{}
	rest := NewSliceCursor(rowsOf(1))

	_, err := New(mode.Buffered, []Cursor{bad, rest}, nil)
	require.Error(t, err)
	assert.True(t, bad.closed)
	assert.True(t, rest.Closed())
}

func TestStream_PropagatesError(t *testing.T) {
	r := NewStream([]Cursor{NewSliceCursor(rowsOf(1)), &failingCursor{}}, byFirstInt)
	assert.False(t, r.Next())
	assert.EqualError(t, r.Err(), "boom")
}
