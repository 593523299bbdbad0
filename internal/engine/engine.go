// Package engine drives incremental indicator computation: it partitions a
// time range into bounded sub-ranges and, for each one, fetches base candles,
// aggregates them, streams them through the kernel, and commits rows together
// with the checkpoint. A sub-range either fully lands or is discarded whole.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"indicore/internal/indicator"
	"indicore/internal/logger"
	"indicore/internal/market"
	"indicore/internal/pkg/convert"
	"indicore/internal/store"
)

// Mode selects how a run treats existing checkpoints.
type Mode string

const (
	// ModeUpdate resumes from the checkpoint, or cold-starts if none exists.
	ModeUpdate Mode = "update"
	// ModeForceReload discards the checkpoint and recomputes from the
	// configured start of history. The only way out of a state mismatch.
	ModeForceReload Mode = "force_reload"
)

// Computation binds one kernel to one symbol and timeframe. Each computation
// owns its recursion state and checkpoint; no two runners may process the
// same computation concurrently.
type Computation struct {
	Symbol    string
	Timeframe market.Timeframe
	Kernel    indicator.Kernel
}

// Key is the computation's storage identity.
func (c Computation) Key() store.Key {
	return store.Key{Symbol: c.Symbol, Timeframe: c.Timeframe.Key, Indicator: c.Kernel.Name()}
}

// Options bound the batch loop.
type Options struct {
	// BatchSpan is the sub-range length; defaults to one day.
	BatchSpan time.Duration
	// SettleBars is how many trailing bars are treated as provisional: the
	// checkpoint stays behind them so the next run recomputes and overwrites
	// them with settled data.
	SettleBars int
	// StartTime (ms) is where cold starts begin.
	StartTime int64
	// Lookback multipliers; zero means the validated defaults.
	SingleStageMultiplier int
	DoubleStageMultiplier int
	// GapHealHorizon bounds how long a missing interval holds the checkpoint
	// back waiting for late base data. Gaps younger than the horizon are
	// re-fetched on every run until they fill; older ones stay permanent
	// null rows.
	GapHealHorizon time.Duration
	// Transient store errors retry with doubling delay up to MaxRetries.
	MaxRetries     int
	RetryBaseDelay time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.BatchSpan <= 0 {
		o.BatchSpan = 24 * time.Hour
	}
	if o.SettleBars < 0 {
		o.SettleBars = 0
	}
	if o.GapHealHorizon <= 0 {
		o.GapHealHorizon = 48 * time.Hour
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 200 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// RunResult reports one computation's outcome.
type RunResult struct {
	Key                 store.Key
	RunID               string
	Mode                Mode
	Batches             int
	RowsWritten         int
	IncompleteIntervals int
	LastTime            int64
	Duration            time.Duration
	Err                 error
}

// Engine executes computations against a candle source and a store.
type Engine struct {
	source market.Source
	store  store.Store
	opts   Options
}

func New(source market.Source, st store.Store, opts Options) *Engine {
	return &Engine{source: source, store: st, opts: opts.withDefaults()}
}

// Run processes one computation from its checkpoint (or from the start of
// history) up to the last fully elapsed bar. Cancellation is honored only at
// sub-range boundaries: an in-flight sub-range either commits whole or is
// discarded.
func (e *Engine) Run(ctx context.Context, comp Computation, mode Mode) RunResult {
	started := e.opts.Now()
	res := RunResult{Key: comp.Key(), RunID: uuid.NewString(), Mode: mode}
	defer func() { res.Duration = e.opts.Now().Sub(started) }()

	kernel := comp.Kernel
	kernel.Reset()
	indicator.CheckConvergenceRisk(kernel, e.opts.SingleStageMultiplier, e.opts.DoubleStageMultiplier)

	key := comp.Key()
	if mode == ModeForceReload {
		if err := e.withRetry(ctx, "reset checkpoint", func() error {
			return e.store.ResetCheckpoint(ctx, key)
		}); err != nil {
			res.Err = fmt.Errorf("reset checkpoint %s: %w", key, err)
			return res
		}
	}

	resume := false
	cursor := comp.Timeframe.AlignDown(e.opts.StartTime)
	if mode != ModeForceReload {
		cp, err := e.store.GetCheckpoint(ctx, key)
		switch {
		case err == nil:
			if rerr := kernel.Restore(cp.State); rerr != nil {
				res.Err = fmt.Errorf("checkpoint for %s: %w (force reload required)", key, rerr)
				return res
			}
			resume = true
			cursor = cp.LastTime
		case errors.Is(err, store.ErrNotFound):
			// Cold start.
		default:
			res.Err = fmt.Errorf("load checkpoint %s: %w", key, err)
			return res
		}
	}

	nowMs := e.opts.Now().UTC().UnixMilli()
	end := comp.Timeframe.AlignDown(nowMs)
	res.LastTime = cursor
	if end <= cursor {
		return res
	}

	period := comp.Timeframe.Millis()
	span := e.opts.BatchSpan.Milliseconds()
	if span < period {
		span = period
	}
	lookbackMs := indicator.Lookback(kernel, comp.Timeframe,
		e.opts.SingleStageMultiplier, e.opts.DoubleStageMultiplier).Milliseconds()
	safeLimit := nowMs - int64(e.opts.SettleBars)*period
	healLimit := nowMs - e.opts.GapHealHorizon.Milliseconds()

	logger.Infof("run %s key=%s mode=%s from=%d to=%d lookback_bars=%d",
		res.RunID, key, mode, cursor, end, lookbackMs/period)

	// Once a sub-range pins the checkpoint behind a healable gap, later
	// sub-ranges still write their rows but reuse the pinned checkpoint.
	var held *store.Checkpoint
	first := true
	for batchStart := cursor; batchStart < end; {
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		default:
		}

		batchEnd := batchStart + span
		if batchEnd > end {
			batchEnd = end
		}
		fetchStart := batchStart
		if first && !resume {
			fetchStart -= lookbackMs
		}
		first = false

		base, err := e.source.GetCandles(ctx, comp.Symbol, fetchStart, batchEnd)
		if err != nil {
			res.Err = fmt.Errorf("fetch candles %s [%d,%d): %w", key, fetchStart, batchEnd, err)
			return res
		}
		slots, err := market.Aggregate(base, comp.Timeframe, fetchStart, batchEnd, nowMs)
		if err != nil {
			res.Err = fmt.Errorf("aggregate %s: %w", key, err)
			return res
		}

		batch, err := e.applyKernel(kernel, key, slots, batchStart, safeLimit, healLimit)
		if err != nil {
			res.Err = fmt.Errorf("kernel %s: %w", key, err)
			return res
		}
		res.IncompleteIntervals += batch.incomplete
		if len(batch.rows) == 0 {
			// Nothing materialized in this sub-range (upstream lag); retry
			// on the next scheduled run rather than advancing past it.
			break
		}

		cp := store.Checkpoint{LastTime: batch.checkpointTime, State: batch.checkpointState}
		if held != nil {
			cp = *held
		} else if batch.held {
			held = &cp
		}
		if err := e.withRetry(ctx, "commit batch", func() error {
			return e.store.CommitBatch(ctx, key, batch.rows, cp)
		}); err != nil {
			res.Err = fmt.Errorf("commit %s [%d,%d]: %w", key, batchStart, batchEnd, err)
			return res
		}
		res.Batches++
		res.RowsWritten += len(batch.rows)
		res.LastTime = cp.LastTime
		batchStart = batchEnd
	}

	if held != nil {
		logger.Warnf("run %s key=%s checkpoint held at %d behind a missing interval, awaiting late base data",
			res.RunID, key, held.LastTime)
	}
	if res.IncompleteIntervals > 0 {
		logger.Warnf("run %s key=%s finished with %d incomplete intervals (gaps left, not fabricated)",
			res.RunID, key, res.IncompleteIntervals)
	}
	return res
}

type batchOutput struct {
	rows            []store.Row
	incomplete      int
	checkpointTime  int64
	checkpointState []byte
	// held is set when a gap younger than the healing horizon pinned the
	// checkpoint before itself.
	held bool
}

// applyKernel streams aggregated slots through the kernel. Slots at or before
// batchStart are the lookback prefix: they warm the recursion and are
// discarded. Gap slots produce explicit no-value rows without touching the
// recursion state. The checkpoint snapshot is taken at the last slot not
// newer than safeLimit so the provisional tail is re-run next time; a gap
// newer than healLimit additionally pins the snapshot before itself so the
// next run re-fetches the interval and backfills once the base data arrives.
func (e *Engine) applyKernel(kernel indicator.Kernel, key store.Key, slots []market.Slot, batchStart, safeLimit, healLimit int64) (batchOutput, error) {
	var out batchOutput

	target := 0
	for _, s := range slots {
		if s.Time > batchStart {
			target++
		}
	}
	if target == 0 {
		return out, nil
	}
	holdBefore := int64(math.MaxInt64)
	for _, s := range slots {
		if s.Time > batchStart && s.Gap() && s.Time > healLimit {
			holdBefore = s.Time
			out.held = true
			break
		}
	}
	snapIdx := -1
	for i, s := range slots {
		if s.Time > batchStart && s.Time <= safeLimit && s.Time < holdBefore {
			snapIdx = i
		}
	}
	holdAtStart := false
	if snapIdx < 0 {
		if out.held {
			// The healable gap sits at the front of the range: the
			// checkpoint cannot move at all this batch.
			holdAtStart = true
		} else {
			// Range shorter than the settle window: checkpoint the
			// provisional tail; the staleness is healed by the next run's
			// overwrite.
			snapIdx = len(slots) - 1
		}
	}

	for i, s := range slots {
		inTarget := s.Time > batchStart
		if inTarget && holdAtStart && out.checkpointState == nil {
			state, err := kernel.Snapshot()
			if err != nil {
				return batchOutput{}, err
			}
			out.checkpointTime = batchStart
			out.checkpointState = state
		}
		if s.Gap() {
			if inTarget {
				out.incomplete++
				out.rows = append(out.rows, noValueRows(key, kernel, s.Time)...)
			}
			// Absent input: the recursion state carries over unchanged.
		} else {
			p := kernel.Update(*s.Bar)
			if inTarget {
				out.rows = append(out.rows, pointRows(key, kernel, p)...)
			}
		}
		if i == snapIdx && inTarget {
			state, err := kernel.Snapshot()
			if err != nil {
				return batchOutput{}, err
			}
			out.checkpointTime = s.Time
			out.checkpointState = state
		}
	}
	return out, nil
}

// pointRows converts a kernel output into storage rows, applying the single
// float-to-fixed-point conversion of the write boundary.
func pointRows(key store.Key, kernel indicator.Kernel, p indicator.Point) []store.Row {
	rows := make([]store.Row, 0, len(kernel.Columns()))
	for _, col := range kernel.Columns() {
		row := store.Row{Key: key, Field: col, BarTime: p.Time}
		if p.Valid {
			if v, ok := p.Values[col]; ok && convert.IsStorable(v) {
				row.Value = decimal.NullDecimal{Decimal: convert.ToFixed(v, kernel.Precision()), Valid: true}
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func noValueRows(key store.Key, kernel indicator.Kernel, barTime int64) []store.Row {
	rows := make([]store.Row, 0, len(kernel.Columns()))
	for _, col := range kernel.Columns() {
		rows = append(rows, store.Row{Key: key, Field: col, BarTime: barTime})
	}
	return rows
}

// withRetry retries transient store errors with doubling delay. Exhausting
// the attempt cap surfaces the last error; permanent errors fail immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := e.opts.RetryBaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) || attempt >= e.opts.MaxRetries {
			return err
		}
		logger.Warnf("%s: transient failure (attempt %d/%d), retrying in %s: %v",
			op, attempt, e.opts.MaxRetries, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// RunAll executes computations with bounded parallelism. Computations are
// independent keys with disjoint state, so they may run concurrently; within
// the list, shorter periods go first since they converge fastest and an
// interruption preserves the most progress. Failures are isolated per key.
func (e *Engine) RunAll(ctx context.Context, comps []Computation, mode Mode, parallelism int) []RunResult {
	if parallelism <= 0 {
		parallelism = 1
	}
	ordered := make([]Computation, len(comps))
	copy(ordered, comps)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timeframe.Duration != ordered[j].Timeframe.Duration {
			return ordered[i].Timeframe.Duration < ordered[j].Timeframe.Duration
		}
		return ordered[i].Kernel.Warmup() < ordered[j].Kernel.Warmup()
	})

	results := make([]RunResult, len(ordered))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, comp := range ordered {
		i, comp := i, comp
		g.Go(func() error {
			r := e.Run(gctx, comp, mode)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			if r.Err != nil {
				logger.Errorf("key %s failed: %v", r.Key, r.Err)
			} else {
				logger.Infof("key %s done: batches=%d rows=%d last=%d", r.Key, r.Batches, r.RowsWritten, r.LastTime)
			}
			// Failures stay per-key; unrelated keys keep running.
			return nil
		})
	}
	_ = g.Wait()
	return results
}
