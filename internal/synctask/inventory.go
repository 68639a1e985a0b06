package synctask

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"shardscale/internal/datasource"
	"shardscale/internal/merge"
	"shardscale/internal/position"
	"shardscale/internal/progress"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// InventoryTask copies the existing rows of one logical table from its
// physical data nodes into the importer table.
type InventoryTask struct {
	lifecycle

	cfg          SyncConfig
	mgr          *datasource.Manager
	checkpointer Checkpointer
	logger       *zap.Logger

	columns []string
	keys    []string
}

var _ Task = (*InventoryTask)(nil)

// NewInventoryTask creates an inventory task. A nil checkpointer disables
// position persistence.
func NewInventoryTask(cfg SyncConfig, mgr *datasource.Manager, checkpointer Checkpointer, logger *zap.Logger) (*InventoryTask, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sync config: %w", err)
	}
	if checkpointer == nil {
		checkpointer = nopCheckpointer{}
	}
	return &InventoryTask{
		lifecycle:    newLifecycle(cfg.TaskID(), KindInventory),
		cfg:          cfg,
		mgr:          mgr,
		checkpointer: checkpointer,
		logger:       logger.With(zap.String("task_id", cfg.TaskID())),
	}, nil
}

// Start runs the copy to completion. It returns ErrAlreadyStarted without
// side effects when called twice.
func (t *InventoryTask) Start(ctx context.Context, listener Listener) error {
	if err := t.begin(listener); err != nil {
		return err
	}

	started := time.Now()
	err := t.run(ctx)
	snap := t.tracker.Snapshot()
	if err != nil {
		t.logger.Warn("Inventory task failed",
			zap.Int64("completed", snap.Completed),
			zap.Duration("elapsed", time.Since(started)),
			zap.Error(err),
		)
	} else {
		t.logger.Info("Inventory task finished",
			zap.Int64("completed", snap.Completed),
			zap.Int64("estimated", snap.EstimatedTotal),
			zap.Duration("elapsed", time.Since(started)),
		)
	}
	return t.finish(err)
}

func (t *InventoryTask) run(ctx context.Context) error {
	ranges, estimate, err := t.prepare(ctx)
	if err != nil {
		return err
	}
	if t.stopped() {
		return ErrCancelled
	}

	t.tracker.SetEstimate(estimate)
	t.tracker.SetStatus(progress.StatusRunning)

	var (
		seeded  int64
		pending []*scanRange
	)
	for _, r := range ranges {
		if r.key != nil || r.done {
			seeded += r.rows
		}
		if !r.done {
			pending = append(pending, r)
		}
	}
	if seeded > 0 {
		t.advance(seeded, 0)
	}

	t.logger.Info("Inventory task running",
		zap.Stringer("mode", t.cfg.Mode),
		zap.Int64("estimated", estimate),
		zap.Int("ranges", len(ranges)),
		zap.Int("pending", len(pending)),
	)
	if len(pending) == 0 {
		return nil
	}

	return t.copyRanges(ctx, pending)
}

// prepare estimates the total and builds the ranges, holding one source
// connection at a time.
func (t *InventoryTask) prepare(ctx context.Context) ([]*scanRange, int64, error) {
	var (
		ranges   []*scanRange
		estimate int64
	)
	for _, group := range groupByStore(len(t.cfg.Dumpers), func(i int) datasource.EndpointConfig {
		return t.cfg.Dumpers[i].Endpoint
	}) {
		if t.stopped() {
			return nil, 0, ErrCancelled
		}
		lease, err := t.mgr.Acquire(ctx, t.cfg.Dumpers[group[0]].Endpoint)
		if err != nil {
			return nil, 0, err
		}
		for _, i := range group {
			dumper := t.cfg.Dumpers[i]
			rows, err := lease.Dialect().EstimateRows(ctx, lease.Conn(), dumper.Table)
			if err != nil {
				lease.Release()
				return nil, 0, t.estimateError(lease, dumper, err)
			}
			estimate += rows

			if err := t.resolveColumns(ctx, lease, dumper); err != nil {
				lease.Release()
				return nil, 0, err
			}
			built, err := t.buildRanges(ctx, lease, dumper)
			if err != nil {
				lease.Release()
				return nil, 0, err
			}
			ranges = append(ranges, built...)
		}
		lease.Release()
	}
	return ranges, estimate, nil
}

func (t *InventoryTask) estimateError(lease *datasource.Lease, dumper TableConfig, err error) error {
	switch {
	case errors.Is(err, datasource.ErrTableNotFound):
		return &SyncTaskExecuteError{TaskID: t.id, Reason: "source table " + dumper.Name() + " does not exist", Err: err}
	case errors.Is(err, datasource.ErrEstimateUnavailable):
		return &SyncTaskExecuteError{TaskID: t.id, Reason: "cannot estimate rows of " + dumper.Name(), Err: err}
	}
	if err = classify(lease, "estimate", err); datasource.IsConnectionError(err) {
		return err
	}
	return &SyncTaskExecuteError{TaskID: t.id, Reason: "row count estimation failed for " + dumper.Name(), Err: err}
}

// resolveColumns fixes the column list from the first data node
func (t *InventoryTask) resolveColumns(ctx context.Context, lease *datasource.Lease, dumper TableConfig) error {
	if t.columns != nil {
		return nil
	}
	columns := dumper.Columns
	if len(columns) == 0 {
		d := lease.Dialect()
		rows, err := lease.Conn().QueryContext(ctx, "SELECT * FROM "+d.Quote(dumper.Table)+" WHERE 1 = 0")
		if err != nil {
			return classify(lease, "columns", fmt.Errorf("failed to read columns of %s: %w", dumper.Name(), err))
		}
		columns, err = rows.Columns()
		rows.Close()
		if err != nil {
			return fmt.Errorf("failed to read columns of %s: %w", dumper.Name(), err)
		}
	}
	if dumper.PrimaryKey != "" && !contains(columns, dumper.PrimaryKey) {
		return &SyncTaskExecuteError{TaskID: t.id, Reason: fmt.Sprintf("primary key %q not found in %s", dumper.PrimaryKey, dumper.Name())}
	}

	t.columns = columns
	switch {
	case t.cfg.Importer.PrimaryKey != "":
		t.keys = []string{t.cfg.Importer.PrimaryKey}
	case dumper.PrimaryKey != "":
		t.keys = []string{dumper.PrimaryKey}
	}
	return nil
}

// buildRanges splits the key space of a data node and restores the saved
// position of every range of the split. Ranges without a saved position are
// saved before any scan starts, so a resumed task finds all of them.
func (t *InventoryTask) buildRanges(ctx context.Context, lease *datasource.Lease, dumper TableConfig) ([]*scanRange, error) {
	saved, last, err := t.savedRanges(dumper)
	if err != nil {
		return nil, err
	}

	if dumper.PrimaryKey == "" {
		if r, ok := saved[0]; ok {
			return []*scanRange{r}, nil
		}
		return []*scanRange{{id: rangeID(dumper, 0), dumper: dumper}}, nil
	}

	d := lease.Dialect()
	pk := d.Quote(dumper.PrimaryKey)
	var lo, hi sql.NullInt64
	err = lease.Conn().QueryRowContext(ctx,
		fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s", pk, pk, d.Quote(dumper.Table)),
	).Scan(&lo, &hi)
	if err != nil {
		return nil, classify(lease, "bounds", fmt.Errorf("failed to read key bounds of %s: %w", dumper.Name(), err))
	}
	var split []position.PrimaryKeyPosition
	if lo.Valid && hi.Valid {
		split = splitKeys(lo.Int64, hi.Int64, t.cfg.Splits)
	}

	var (
		ranges  []*scanRange
		prevEnd *int64
	)
	for i := 0; i < max(len(split), last+1); i++ {
		if r, ok := saved[i]; ok {
			ranges = append(ranges, r)
			prevEnd = nil
			if r.key != nil {
				end := r.key.End
				prevEnd = &end
			}
			continue
		}
		if i >= len(split) {
			continue
		}

		key := split[i]
		// the key space may have moved since the saved ranges were split
		if prevEnd != nil && *prevEnd+1 < key.Begin {
			key.Begin = *prevEnd + 1
			key.Next = key.Begin
		}
		r := &scanRange{id: rangeID(dumper, i), dumper: dumper, key: &key}
		if err := t.checkpointer.SavePosition(ctx, r.id, r.position()); err != nil {
			return nil, fmt.Errorf("failed to save position of %s: %w", r.id, err)
		}
		ranges = append(ranges, r)
		end := key.End
		prevEnd = &end
	}
	return ranges, nil
}

// savedRanges restores the saved ranges of a data node by split index and
// returns the highest index found, -1 when there is none.
func (t *InventoryTask) savedRanges(dumper TableConfig) (map[int]*scanRange, int, error) {
	prefix := dumper.Name() + "#"
	saved := make(map[int]*scanRange)
	last := -1
	for id, p := range t.cfg.Positions {
		suffix, ok := strings.CutPrefix(id, prefix)
		if !ok {
			continue
		}
		i, err := strconv.Atoi(suffix)
		if err != nil || i < 0 {
			continue
		}
		r, err := resumeRange(id, dumper, p)
		if err != nil {
			return nil, 0, &SyncTaskExecuteError{TaskID: t.id, Reason: "invalid saved position", Err: err}
		}
		saved[i] = r
		last = max(last, i)
	}
	return saved, last, nil
}

// lane is a series of ranges of one store scanned on one source connection
type lane struct {
	endpoint datasource.EndpointConfig
	ranges   []*scanRange
}

// lanes spreads the ranges of every store over as many connections as the
// mode allows for that store, never more than the range concurrency.
func (t *InventoryTask) lanes(ranges []*scanRange) []lane {
	var lanes []lane
	for _, group := range groupByStore(len(ranges), func(i int) datasource.EndpointConfig {
		return ranges[i].dumper.Endpoint
	}) {
		n := min(t.cfg.Mode.Connections(len(group)), t.cfg.Concurrency)
		store := make([]lane, n)
		for j, i := range group {
			l := &store[j%n]
			l.endpoint = ranges[i].dumper.Endpoint
			l.ranges = append(l.ranges, ranges[i])
		}
		lanes = append(lanes, store...)
	}
	return lanes
}

// copyRanges runs every lane. When the mode allows a single importer
// connection for the ranges, all lanes write through one shared lease.
func (t *InventoryTask) copyRanges(ctx context.Context, ranges []*scanRange) error {
	var shared *writer
	if t.cfg.Mode.Connections(len(ranges)) == 1 {
		importer, err := t.mgr.Acquire(ctx, t.cfg.Importer.Endpoint)
		if err != nil {
			return err
		}
		defer importer.Release()
		shared = t.newWriter(importer, &sync.Mutex{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.Concurrency)
	for _, l := range t.lanes(ranges) {
		l := l
		g.Go(func() error {
			return t.runLane(gctx, ctx, l, shared)
		})
	}
	return g.Wait()
}

// runLane scans the ranges of a lane in order. A lane on the importer's
// own store reads and writes through one connection, so it never waits on
// its pool while holding a lease from it.
func (t *InventoryTask) runLane(readCtx, writeCtx context.Context, l lane, shared *writer) error {
	sameStore := l.endpoint.Key() == t.cfg.Importer.Endpoint.Key()
	var source *datasource.Lease
	w := shared
	if sameStore && shared != nil {
		source = shared.lease
	} else {
		lease, err := t.mgr.Acquire(readCtx, l.endpoint)
		if err != nil {
			return err
		}
		defer lease.Release()
		source = lease

		switch {
		case w != nil:
		case sameStore:
			w = t.newWriter(lease, nil)
		default:
			importer, err := t.mgr.Acquire(readCtx, t.cfg.Importer.Endpoint)
			if err != nil {
				return err
			}
			defer importer.Release()
			w = t.newWriter(importer, nil)
		}
	}

	for _, r := range l.ranges {
		if err := t.scan(readCtx, writeCtx, source, w, r); err != nil {
			return err
		}
	}
	return nil
}

func (t *InventoryTask) newWriter(lease *datasource.Lease, mu *sync.Mutex) *writer {
	return &writer{
		mu:      mu,
		lease:   lease,
		table:   t.cfg.Importer.Table,
		columns: t.columns,
		keys:    t.keys,
	}
}

// scan copies one range. Reads use readCtx, which is cancelled when a
// sibling range fails; writes use writeCtx so an applied batch is never
// cut short.
func (t *InventoryTask) scan(readCtx, writeCtx context.Context, source *datasource.Lease, w *writer, r *scanRange) error {
	if r.key != nil {
		return t.scanKeyed(readCtx, writeCtx, source, w, r)
	}
	return t.scanAll(readCtx, writeCtx, source, w, r)
}

func (t *InventoryTask) scanKeyed(readCtx, writeCtx context.Context, source *datasource.Lease, w *writer, r *scanRange) error {
	d := source.Dialect()
	pk := d.Quote(r.dumper.PrimaryKey)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s >= %s AND %s <= %s ORDER BY %s LIMIT %d",
		t.selectList(d), d.Quote(r.dumper.Table), pk, d.Placeholder(1), pk, d.Placeholder(2), pk, t.cfg.BatchSize)
	keyIndex := indexOf(t.columns, r.dumper.PrimaryKey)
	if keyIndex < 0 {
		return &SyncTaskExecuteError{TaskID: t.id, Reason: fmt.Sprintf("primary key %q not found in %s", r.dumper.PrimaryKey, r.dumper.Name())}
	}

	for !r.key.Done() {
		if t.stopped() {
			return ErrCancelled
		}
		batch, err := t.read(readCtx, source, w, query, r.key.Next, r.key.End)
		if err != nil {
			return classify(source, "read", fmt.Errorf("failed to read range %s: %w", r.id, err))
		}
		if len(batch) == 0 {
			break
		}

		last, err := toInt64(batch[len(batch)-1][keyIndex])
		if err != nil {
			return &SyncTaskExecuteError{TaskID: t.id, Reason: "unsupported primary key value in " + r.dumper.Name(), Err: err}
		}
		exhausted := len(batch) < t.cfg.BatchSize || last >= r.key.End
		if err := t.apply(writeCtx, w, r, batch, func() { r.key.Next = last + 1 }); err != nil {
			return err
		}
		if exhausted {
			break
		}
	}
	return t.complete(writeCtx, r)
}

// scanAll streams a table without a usable key through one cursor
func (t *InventoryTask) scanAll(readCtx, writeCtx context.Context, source *datasource.Lease, w *writer, r *scanRange) error {
	d := source.Dialect()
	query := "SELECT " + t.selectList(d) + " FROM " + d.Quote(r.dumper.Table)

	var cursor merge.Cursor
	if source == w.lease {
		// writes need the connection, so the table is read into memory first
		rows, err := t.read(readCtx, source, w, query)
		if err != nil {
			return classify(source, "read", fmt.Errorf("failed to read %s: %w", r.dumper.Name(), err))
		}
		cursor = merge.NewSliceCursor(rows)
	} else {
		rows, err := source.Conn().QueryContext(readCtx, query)
		if err != nil {
			return classify(source, "read", fmt.Errorf("failed to read %s: %w", r.dumper.Name(), err))
		}
		if cursor, err = merge.FromRows(rows, nil); err != nil {
			return err
		}
	}
	defer cursor.Close()

	batch := make([][]any, 0, t.cfg.BatchSize)
	flush := func() error {
		if t.stopped() {
			return ErrCancelled
		}
		err := t.apply(writeCtx, w, r, batch, nil)
		batch = make([][]any, 0, t.cfg.BatchSize)
		return err
	}
	for cursor.Next() {
		batch = append(batch, cursor.Values())
		if len(batch) == t.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return classify(source, "read", fmt.Errorf("failed to read %s: %w", r.dumper.Name(), err))
	}
	if len(batch) > 0 {
		if err := flush(); err != nil {
			return err
		}
	}
	return t.complete(writeCtx, r)
}

// read runs query to completion on source. A source lease that also carries
// writes is locked like the writer.
func (t *InventoryTask) read(ctx context.Context, source *datasource.Lease, w *writer, query string, args ...any) ([][]any, error) {
	if source == w.lease && w.mu != nil {
		w.mu.Lock()
		defer w.mu.Unlock()
	}
	rows, err := source.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	cursor, err := merge.FromRows(rows, nil)
	if err != nil {
		return nil, err
	}
	return merge.Materialize(cursor)
}

// apply writes one batch, then records the new position and progress
func (t *InventoryTask) apply(ctx context.Context, w *writer, r *scanRange, batch [][]any, moved func()) error {
	started := time.Now()
	if err := w.upsert(ctx, batch); err != nil {
		return err
	}
	if moved != nil {
		moved()
	}
	r.rows += int64(len(batch))
	if err := t.checkpointer.SavePosition(ctx, r.id, r.position()); err != nil {
		return fmt.Errorf("failed to save position of %s: %w", r.id, err)
	}
	t.advance(int64(len(batch)), time.Since(started))
	return nil
}

func (t *InventoryTask) complete(ctx context.Context, r *scanRange) error {
	r.done = true
	if err := t.checkpointer.SavePosition(ctx, r.id, r.position()); err != nil {
		return fmt.Errorf("failed to save position of %s: %w", r.id, err)
	}
	t.logger.Debug("Range finished", zap.String("range", r.id), zap.Int64("rows", r.rows))
	return nil
}

func (t *InventoryTask) selectList(d datasource.Dialect) string {
	quoted := make([]string, len(t.columns))
	for i, c := range t.columns {
		quoted[i] = d.Quote(c)
	}
	return strings.Join(quoted, ", ")
}

// groupByStore returns indexes grouped by endpoint key in first-seen order
func groupByStore(n int, endpoint func(i int) datasource.EndpointConfig) [][]int {
	var groups [][]int
	index := make(map[uint64]int)
	for i := 0; i < n; i++ {
		key := endpoint(i).Key()
		g, ok := index[key]
		if !ok {
			g = len(groups)
			index[key] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
