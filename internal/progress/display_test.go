package progress

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fixedSource Snapshot

func (f fixedSource) Progress() Snapshot { return Snapshot(f) }

func TestBoard_RowsAndTotals(t *testing.T) {
	b := NewBoard()
	b.Add("t_user", fixedSource{EstimatedTotal: Unknown, Completed: 3, Status: StatusRunning})
	b.Add("t_order", fixedSource{EstimatedTotal: 10, Completed: 10, Status: StatusFinished})
	b.Add("t_item", fixedSource{EstimatedTotal: 4, Completed: 1, Status: StatusFailed})

	rows := b.Rows()
	assert.Equal(t, []string{"t_item", "t_order", "t_user"}, []string{rows[0].Name, rows[1].Name, rows[2].Name})

	totals := Summarize(rows)
	assert.Equal(t, Totals{Estimated: 14, Completed: 14, Running: 1, Finished: 1, Failed: 1}, totals)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 50.0, Percent(Snapshot{EstimatedTotal: 4, Completed: 2}))
	assert.Equal(t, 100.0, Percent(Snapshot{EstimatedTotal: 4, Completed: 9}))
	assert.Equal(t, 0.0, Percent(Snapshot{EstimatedTotal: Unknown, Completed: 9}))
	assert.Equal(t, 100.0, Percent(Snapshot{EstimatedTotal: 0, Status: StatusFinished}))
}

func TestDisplay_FinalSummary(t *testing.T) {
	b := NewBoard()
	b.Add("t_order", fixedSource{EstimatedTotal: 2, Completed: 2, Status: StatusFinished})
	b.Add("t_item", fixedSource{EstimatedTotal: 5, Completed: 1, Status: StatusFailed})

	var out bytes.Buffer
	d := NewDisplayTo(b, time.Hour, &out)
	d.Start()
	d.Stop()
	d.Stop()

	text := out.String()
	assert.Contains(t, text, "Rows migrated: 3")
	assert.Contains(t, text, "Failed tables: 1")
	assert.Contains(t, text, "t_item (1 rows written)")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "12.0 rows/s", FormatRate(12))
	assert.Equal(t, "1.5K rows/s", FormatRate(1500))
	assert.Equal(t, "1h2m3s", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "calculating...", FormatDuration(0))
	assert.Equal(t, "[██████████░░░░░░░░░░]  50.0%", generateProgressBar(50, 20))
}
