package job

import (
	"time"

	"shardscale/internal/progress"
	"shardscale/internal/synctask"
)

// TableReport is the outcome of one table task
type TableReport struct {
	Table          string // checkpoint name, see Handle.Table
	LogicTable     string
	Kind           synctask.Kind
	Status         progress.Status
	Completed      int64
	EstimatedTotal int64
	Err            error
	Attempts       int
	Skipped        bool
}

// Report is the outcome of a job run. Some tables may have failed while
// others finished.
type Report struct {
	JobID    string
	Tables   []TableReport
	Duration time.Duration
}

func newReport(jobID string, handles []*Handle, d time.Duration) *Report {
	report := &Report{JobID: jobID, Duration: d}
	for _, h := range handles {
		result, _ := h.Result()
		status := progress.StatusFinished
		if result.Err != nil {
			status = progress.StatusFailed
		}
		report.Tables = append(report.Tables, TableReport{
			Table:          h.Table(),
			LogicTable:     h.LogicTable(),
			Kind:           h.Kind(),
			Status:         status,
			Completed:      result.Progress.Completed,
			EstimatedTotal: result.Progress.EstimatedTotal,
			Err:            result.Err,
			Attempts:       result.Attempts,
			Skipped:        result.Skipped,
		})
	}
	return report
}

// Failed returns the tables that did not finish
func (r *Report) Failed() []TableReport {
	var failed []TableReport
	for _, t := range r.Tables {
		if t.Status == progress.StatusFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

// Completed sums the rows and changes applied over all tables
func (r *Report) Completed() int64 {
	var total int64
	for _, t := range r.Tables {
		total += t.Completed
	}
	return total
}
