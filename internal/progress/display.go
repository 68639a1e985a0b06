package progress

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source is anything that can report a progress snapshot
type Source interface {
	Progress() Snapshot
}

// Row is one named entry on a Board
type Row struct {
	Name     string
	Snapshot Snapshot
}

// Board collects the progress sources of a job for display
type Board struct {
	mu      sync.RWMutex
	sources map[string]Source
	start   time.Time
}

// NewBoard creates an empty board
func NewBoard() *Board {
	return &Board{sources: make(map[string]Source), start: time.Now()}
}

// Add registers a source under name, replacing any previous one
func (b *Board) Add(name string, s Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[name] = s
}

// Rows returns a snapshot of every source, sorted by name
func (b *Board) Rows() []Row {
	b.mu.RLock()
	rows := make([]Row, 0, len(b.sources))
	for name, s := range b.sources {
		rows = append(rows, Row{Name: name, Snapshot: s.Progress()})
	}
	b.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// Totals summarizes every row on the board
type Totals struct {
	Estimated int64
	Completed int64
	Running   int
	Finished  int
	Failed    int
}

// Summarize totals the rows
func Summarize(rows []Row) Totals {
	var t Totals
	for _, r := range rows {
		if r.Snapshot.Known() {
			t.Estimated += r.Snapshot.EstimatedTotal
		}
		t.Completed += r.Snapshot.Completed
		switch r.Snapshot.Status {
		case StatusRunning:
			t.Running++
		case StatusFinished:
			t.Finished++
		case StatusFailed:
			t.Failed++
		}
	}
	return t
}

// Percent derives completion from a snapshot; 0 when the estimate is unknown
func Percent(s Snapshot) float64 {
	if !s.Known() || s.EstimatedTotal <= 0 {
		if s.Status == StatusFinished {
			return 100
		}
		return 0
	}
	p := float64(s.Completed) / float64(s.EstimatedTotal) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Display renders a board periodically
type Display struct {
	board     *Board
	interval  time.Duration
	out       io.Writer
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	lastLines int

	samples    []rateSample
	maxSamples int
}

type rateSample struct {
	timestamp time.Time
	completed int64
}

// NewDisplay creates a new progress display writing to stdout
func NewDisplay(board *Board, interval time.Duration) *Display {
	return NewDisplayTo(board, interval, os.Stdout)
}

// NewDisplayTo creates a display writing to out
func NewDisplayTo(board *Board, interval time.Duration, out io.Writer) *Display {
	return &Display{
		board:      board,
		interval:   interval,
		out:        out,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		maxSamples: 60,
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final summary
func (d *Display) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
	})
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.updateDisplay()
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) updateDisplay() {
	rows := d.board.Rows()
	lines := d.generateDisplay(rows, time.Now())

	d.clearLines()
	fmt.Fprint(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

func (d *Display) finalDisplay() {
	d.clearLines()
	lines := d.generateFinalDisplay(d.board.Rows())
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
}

// clearLines moves the cursor above the previous frame
func (d *Display) clearLines() {
	if d.lastLines > 0 {
		fmt.Fprintf(d.out, "\033[%dA\033[J", d.lastLines-1)
		fmt.Fprint(d.out, "\r")
	}
}

// rate returns rows per second over the last few seconds (must be called from the display loop)
func (d *Display) rate(now time.Time, completed int64) float64 {
	d.samples = append(d.samples, rateSample{timestamp: now, completed: completed})
	if len(d.samples) > d.maxSamples {
		d.samples = d.samples[1:]
	}

	cutoff := now.Add(-5 * time.Second)
	first := d.samples[len(d.samples)-1]
	for i := len(d.samples) - 1; i >= 0; i-- {
		if d.samples[i].timestamp.Before(cutoff) {
			break
		}
		first = d.samples[i]
	}

	elapsed := now.Sub(first.timestamp)
	if elapsed <= 0 {
		return 0
	}
	return float64(completed-first.completed) / elapsed.Seconds()
}

func (d *Display) generateDisplay(rows []Row, now time.Time) []string {
	totals := Summarize(rows)
	speed := d.rate(now, totals.Completed)

	lines := []string{
		"",
		"🚚 Migration progress",
		"=" + strings.Repeat("=", 60),
	}

	for _, r := range rows {
		estimate := "?"
		if r.Snapshot.Known() {
			estimate = fmt.Sprintf("%d", r.Snapshot.EstimatedTotal)
		}
		lines = append(lines, fmt.Sprintf("%-28s %-9s %s %d/%s",
			truncate(r.Name, 28), r.Snapshot.Status,
			generateProgressBar(Percent(r.Snapshot), 20), r.Snapshot.Completed, estimate))
	}

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("📊 Tables: %d running, %d finished, %d failed",
		totals.Running, totals.Finished, totals.Failed))
	lines = append(lines, fmt.Sprintf("⚡ Speed: %s", FormatRate(speed)))

	var eta time.Duration
	if speed > 0 && totals.Estimated > totals.Completed {
		eta = time.Duration(float64(totals.Estimated-totals.Completed)/speed) * time.Second
	}
	lines = append(lines, fmt.Sprintf("⏱️  Elapsed: %s  ETA: %s",
		FormatDuration(time.Since(d.board.start)), FormatDuration(eta)))
	lines = append(lines, "")

	return lines
}

func (d *Display) generateFinalDisplay(rows []Row) []string {
	totals := Summarize(rows)
	elapsed := time.Since(d.board.start)

	lines := []string{
		"",
		"🎉 Migration finished",
		"=" + strings.Repeat("=", 60),
		fmt.Sprintf("📊 Rows migrated: %d", totals.Completed),
		fmt.Sprintf("✅ Finished tables: %d", totals.Finished),
		fmt.Sprintf("❌ Failed tables: %d", totals.Failed),
		fmt.Sprintf("⏱️  Total time: %s", FormatDuration(elapsed)),
	}
	for _, r := range rows {
		if r.Snapshot.Status == StatusFailed {
			lines = append(lines, fmt.Sprintf("  ❌ %s (%d rows written)", r.Name, r.Snapshot.Completed))
		}
	}
	lines = append(lines, "")
	return lines
}

func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)

	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}

// FormatRate formats a rows per second rate in human readable form
func FormatRate(rowsPerSecond float64) string {
	switch {
	case rowsPerSecond < 1000:
		return fmt.Sprintf("%.1f rows/s", rowsPerSecond)
	case rowsPerSecond < 1000*1000:
		return fmt.Sprintf("%.1fK rows/s", rowsPerSecond/1000)
	default:
		return fmt.Sprintf("%.1fM rows/s", rowsPerSecond/(1000*1000))
	}
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
