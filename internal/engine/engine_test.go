package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indicore/internal/indicator"
	"indicore/internal/market"
	"indicore/internal/pkg/convert"
	"indicore/internal/store"
)

const (
	minuteMs = int64(60_000)
	hourMs   = int64(3_600_000)
	dayMs    = int64(86_400_000)
)

// fakeSource synthesizes deterministic minute candles: the price is a pure
// function of the open time, so a resumed run sees exactly what a fresh run
// would. Individual minutes can be withheld to simulate upstream gaps.
type fakeSource struct {
	mu      sync.Mutex
	missing map[int64]bool
	failSym map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{missing: make(map[int64]bool), failSym: make(map[string]error)}
}

func priceAt(openTime int64) float64 {
	return 100 + 5*math.Sin(float64(openTime/minuteMs)/40)
}

func (f *fakeSource) withholdRange(from, to int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for m := from; m < to; m += minuteMs {
		f.missing[m] = true
	}
}

// restoreRange simulates late-arriving base data: previously withheld minutes
// become fetchable again.
func (f *fakeSource) restoreRange(from, to int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for m := from; m < to; m += minuteMs {
		delete(f.missing, m)
	}
}

func (f *fakeSource) GetCandles(_ context.Context, symbol string, start, end int64) ([]market.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSym[symbol]; err != nil {
		return nil, err
	}
	first := start
	if rem := first % minuteMs; rem != 0 {
		first += minuteMs - rem
	}
	var out []market.Candle
	for m := first; m < end; m += minuteMs {
		if f.missing[m] {
			continue
		}
		px := priceAt(m)
		out = append(out, market.Candle{
			OpenTime:  m,
			CloseTime: m + minuteMs - 1,
			Open:      px,
			High:      px + 1,
			Low:       px - 1,
			Close:     px,
			Volume:    1,
		})
	}
	return out, nil
}

func (f *fakeSource) Close() error { return nil }

type rowID struct {
	field   string
	barTime int64
}

// fakeStore is an in-memory Store with scriptable commit failures.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[store.Key]map[rowID]store.Row
	cps         map[store.Key]store.Checkpoint
	commitErrs  []error
	commitCalls int
	onCommit    func(call int)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows: make(map[store.Key]map[rowID]store.Row),
		cps:  make(map[store.Key]store.Checkpoint),
	}
}

func (s *fakeStore) Migrate(context.Context) error { return nil }

func (s *fakeStore) GetCheckpoint(_ context.Context, key store.Key) (store.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.cps[key]
	if !ok {
		return store.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

func (s *fakeStore) ResetCheckpoint(_ context.Context, key store.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, key)
	return nil
}

func (s *fakeStore) CommitBatch(_ context.Context, key store.Key, rows []store.Row, cp store.Checkpoint) error {
	s.mu.Lock()
	s.commitCalls++
	call := s.commitCalls
	if len(s.commitErrs) > 0 {
		err := s.commitErrs[0]
		s.commitErrs = s.commitErrs[1:]
		if err != nil {
			s.mu.Unlock()
			return err
		}
	}
	if s.rows[key] == nil {
		s.rows[key] = make(map[rowID]store.Row)
	}
	for _, r := range rows {
		s.rows[key][rowID{field: r.Field, barTime: r.BarTime}] = r
	}
	s.cps[key] = cp
	hook := s.onCommit
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return nil
}

func (s *fakeStore) KeyStatus(_ context.Context, key store.Key) (store.KeyStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st store.KeyStatus
	valued := make(map[int64]bool)
	for id, r := range s.rows[key] {
		if st.FirstTime == 0 || id.barTime < st.FirstTime {
			st.FirstTime = id.barTime
		}
		if id.barTime > st.LastTime {
			st.LastTime = id.barTime
		}
		if r.Value.Valid {
			valued[id.barTime] = true
		}
	}
	st.ValuedBars = int64(len(valued))
	return st, nil
}

func (s *fakeStore) LatestRows(_ context.Context, key store.Key) ([]store.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest int64
	for id := range s.rows[key] {
		if id.barTime > newest {
			newest = id.barTime
		}
	}
	var out []store.Row
	for id, r := range s.rows[key] {
		if id.barTime == newest {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) Close() error { return nil }

var _ market.Source = (*fakeSource)(nil)
var _ store.Store = (*fakeStore)(nil)

func smaComputation(t *testing.T, period int) Computation {
	t.Helper()
	k, err := indicator.NewSMA(period)
	require.NoError(t, err)
	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	return Computation{Symbol: "BTCUSDT", Timeframe: tf, Kernel: k}
}

func emaComputation(t *testing.T, period int) Computation {
	t.Helper()
	k, err := indicator.NewEMA(period)
	require.NoError(t, err)
	tf, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	return Computation{Symbol: "BTCUSDT", Timeframe: tf, Kernel: k}
}

func testOptions(startTime, now int64) Options {
	return Options{
		BatchSpan:      24 * time.Hour,
		SettleBars:     2,
		StartTime:      startTime,
		MaxRetries:     5,
		RetryBaseDelay: time.Millisecond,
		Now:            func() time.Time { return time.UnixMilli(now).UTC() },
	}
}

// hourClose is the close of the 1h bar labeled `label`: the close of its last
// minute candle.
func hourClose(label int64) float64 {
	return priceAt(label - minuteMs)
}

func TestRunColdStart(t *testing.T) {
	src := newFakeSource()
	st := newFakeStore()
	startTime := 40 * dayMs
	now := startTime + 12*hourMs + 30*minuteMs
	eng := New(src, st, testOptions(startTime, now))
	comp := smaComputation(t, 3)

	res := eng.Run(context.Background(), comp, ModeUpdate)
	require.NoError(t, res.Err)

	key := comp.Key()
	assert.Equal(t, 1, res.Batches)
	assert.Equal(t, 12, res.RowsWritten, "one row per elapsed hour label")
	assert.Zero(t, res.IncompleteIntervals)

	// The checkpoint trails the settle window: two provisional hours stay
	// uncommitted so the next run recomputes them.
	cp, err := st.GetCheckpoint(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, startTime+10*hourMs, cp.LastTime)

	// First target label: the lookback prefix warmed the window, so even the
	// first stored bar carries a full SMA.
	label := startTime + hourMs
	row, ok := st.rows[key][rowID{field: "sma", barTime: label}]
	require.True(t, ok)
	require.True(t, row.Value.Valid)
	want := (hourClose(label) + hourClose(label-hourMs) + hourClose(label-2*hourMs)) / 3
	assert.True(t, convert.ToFixed(want, 8).Equal(row.Value.Decimal),
		"want %s got %s", convert.ToFixed(want, 8), row.Value.Decimal)
}

func TestRunIsIdempotent(t *testing.T) {
	src := newFakeSource()
	st := newFakeStore()
	startTime := 40 * dayMs
	now := startTime + 12*hourMs + 30*minuteMs
	eng := New(src, st, testOptions(startTime, now))
	comp := emaComputation(t, 5)

	res := eng.Run(context.Background(), comp, ModeUpdate)
	require.NoError(t, res.Err)
	firstRows := snapshotRows(st, comp.Key())

	res = eng.Run(context.Background(), comp, ModeUpdate)
	require.NoError(t, res.Err)
	assert.Equal(t, firstRows, snapshotRows(st, comp.Key()), "re-running over covered ground must be bit-identical")
}

func TestResumeMatchesFreshRun(t *testing.T) {
	startTime := 40 * dayMs
	now1 := startTime + 10*hourMs + 5*minuteMs
	now2 := startTime + 30*hourMs + 5*minuteMs
	comp := func(t *testing.T) Computation { return emaComputation(t, 5) }

	// Resumed: run to now1, then continue to now2 from the checkpoint.
	src := newFakeSource()
	resumed := newFakeStore()
	require.NoError(t, New(src, resumed, testOptions(startTime, now1)).Run(context.Background(), comp(t), ModeUpdate).Err)
	require.NoError(t, New(src, resumed, testOptions(startTime, now2)).Run(context.Background(), comp(t), ModeUpdate).Err)

	// Fresh: a single cold run straight to now2.
	fresh := newFakeStore()
	require.NoError(t, New(src, fresh, testOptions(startTime, now2)).Run(context.Background(), comp(t), ModeUpdate).Err)

	key := comp(t).Key()
	assert.Equal(t, snapshotRows(fresh, key), snapshotRows(resumed, key),
		"resuming from a checkpoint must reproduce the uninterrupted computation")
	assert.Equal(t, fresh.cps[key].LastTime, resumed.cps[key].LastTime)
}

func TestGapWritesNullRowsWithoutTouchingState(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 12*hourMs + 30*minuteMs
	gapLabel := startTime + 6*hourMs

	src := newFakeSource()
	// Withhold one minute inside the interval ending at gapLabel.
	src.withholdRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)

	st := newFakeStore()
	comp := emaComputation(t, 5)
	res := New(src, st, testOptions(startTime, now)).Run(context.Background(), comp, ModeUpdate)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.IncompleteIntervals)

	key := comp.Key()
	gapRow, ok := st.rows[key][rowID{field: "ema", barTime: gapLabel}]
	require.True(t, ok, "the gap bar must exist as an explicit null row")
	assert.False(t, gapRow.Value.Valid)

	// The recursion skipped the gap: the next bar's EMA continues from the
	// last materialized bar, exactly as a stream without that slot would.
	oracle, err := indicator.NewEMA(5)
	require.NoError(t, err)
	// The engine's lookback prefix for EMA(5) starts 25 bars back; the first
	// aggregated label is one step after that.
	var wantNext float64
	for label := startTime - 24*hourMs; label <= gapLabel+hourMs; label += hourMs {
		if label == gapLabel {
			continue
		}
		p := oracle.Update(market.Bar{Time: label, Close: hourClose(label)})
		wantNext = p.Values["ema"]
	}
	nextRow, ok := st.rows[key][rowID{field: "ema", barTime: gapLabel + hourMs}]
	require.True(t, ok)
	require.True(t, nextRow.Value.Valid)
	assert.True(t, convert.ToFixed(wantNext, 8).Equal(nextRow.Value.Decimal),
		"want %s got %s", convert.ToFixed(wantNext, 8), nextRow.Value.Decimal)
}

func TestInteriorGapHealsOnLaterRun(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 12*hourMs + 30*minuteMs
	gapLabel := startTime + 6*hourMs

	src := newFakeSource()
	src.withholdRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)

	st := newFakeStore()
	comp := emaComputation(t, 5)
	eng := New(src, st, testOptions(startTime, now))
	require.NoError(t, eng.Run(context.Background(), comp, ModeUpdate).Err)

	key := comp.Key()
	gapRow := st.rows[key][rowID{field: "ema", barTime: gapLabel}]
	require.False(t, gapRow.Value.Valid)

	// The checkpoint stops short of the missing interval so the next run
	// re-fetches it instead of sealing the null behind the settle window.
	cp, err := st.GetCheckpoint(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, gapLabel-hourMs, cp.LastTime)

	// The withheld minute arrives late; the next scheduled run backfills.
	src.restoreRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)
	require.NoError(t, eng.Run(context.Background(), comp, ModeUpdate).Err)

	healed := st.rows[key][rowID{field: "ema", barTime: gapLabel}]
	assert.True(t, healed.Value.Valid, "late-arriving base data must fill the null row")

	// After healing, rows and checkpoint match a run that never saw the gap.
	clean := newFakeStore()
	require.NoError(t, New(newFakeSource(), clean, testOptions(startTime, now)).
		Run(context.Background(), comp, ModeUpdate).Err)
	assert.Equal(t, snapshotRows(clean, key), snapshotRows(st, key))
	assert.Equal(t, clean.cps[key].LastTime, st.cps[key].LastTime)
}

func TestGapInsideSettleWindowHeals(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 12*hourMs + 30*minuteMs
	gapLabel := startTime + 12*hourMs // inside the provisional tail

	src := newFakeSource()
	src.withholdRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)

	st := newFakeStore()
	comp := emaComputation(t, 5)
	eng := New(src, st, testOptions(startTime, now))
	require.NoError(t, eng.Run(context.Background(), comp, ModeUpdate).Err)

	key := comp.Key()
	require.False(t, st.rows[key][rowID{field: "ema", barTime: gapLabel}].Value.Valid)

	src.restoreRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)
	require.NoError(t, eng.Run(context.Background(), comp, ModeUpdate).Err)

	assert.True(t, st.rows[key][rowID{field: "ema", barTime: gapLabel}].Value.Valid)

	clean := newFakeStore()
	require.NoError(t, New(newFakeSource(), clean, testOptions(startTime, now)).
		Run(context.Background(), comp, ModeUpdate).Err)
	assert.Equal(t, snapshotRows(clean, key), snapshotRows(st, key))
}

func TestStaleGapStaysNull(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 12*hourMs + 30*minuteMs
	gapLabel := startTime + 6*hourMs

	src := newFakeSource()
	src.withholdRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)

	st := newFakeStore()
	comp := emaComputation(t, 5)
	opts := testOptions(startTime, now)
	// The gap is 6.5 hours old: past the healing horizon, so it is accepted
	// as a permanent null and no longer holds the checkpoint.
	opts.GapHealHorizon = 2 * time.Hour
	eng := New(src, st, opts)
	require.NoError(t, eng.Run(context.Background(), comp, ModeUpdate).Err)

	key := comp.Key()
	cp, err := st.GetCheckpoint(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, startTime+10*hourMs, cp.LastTime, "an expired gap no longer pins the checkpoint")

	src.restoreRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)
	require.NoError(t, eng.Run(context.Background(), comp, ModeUpdate).Err)
	assert.False(t, st.rows[key][rowID{field: "ema", barTime: gapLabel}].Value.Valid,
		"outside the horizon only force-reload rewrites history")
}

func TestCancellationRespectsBatchBoundaries(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 30*hourMs + 5*minuteMs

	src := newFakeSource()
	st := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	st.onCommit = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	opts := testOptions(startTime, now)
	opts.BatchSpan = 6 * time.Hour
	comp := emaComputation(t, 5)
	res := New(src, st, opts).Run(ctx, comp, ModeUpdate)

	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, res.Batches, "cancellation lands between sub-ranges, never inside one")
	assert.Len(t, snapshotRows(st, comp.Key()), 6, "exactly the first committed sub-range persists")

	cp, err := st.GetCheckpoint(context.Background(), comp.Key())
	require.NoError(t, err)
	assert.Equal(t, startTime+6*hourMs, cp.LastTime)
}

func TestTransientCommitErrorsAreRetried(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 6*hourMs + 5*minuteMs

	src := newFakeSource()
	st := newFakeStore()
	transient := fmt.Errorf("%w: database is locked", store.ErrTransient)
	st.commitErrs = []error{transient, transient}

	comp := emaComputation(t, 5)
	res := New(src, st, testOptions(startTime, now)).Run(context.Background(), comp, ModeUpdate)
	require.NoError(t, res.Err)
	assert.Equal(t, 3, st.commitCalls, "two transient failures, then success")
	assert.NotEmpty(t, snapshotRows(st, comp.Key()))
}

func TestPermanentCommitErrorFailsImmediately(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 6*hourMs + 5*minuteMs

	src := newFakeSource()
	st := newFakeStore()
	st.commitErrs = []error{fmt.Errorf("%w: constraint violated", store.ErrPermanent)}

	res := New(src, st, testOptions(startTime, now)).Run(context.Background(), emaComputation(t, 5), ModeUpdate)
	require.Error(t, res.Err)
	assert.Equal(t, 1, st.commitCalls, "permanent errors must not burn retries")
}

func TestStateMismatchDemandsForceReload(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 6*hourMs + 5*minuteMs

	src := newFakeSource()
	st := newFakeStore()
	comp := emaComputation(t, 5)
	key := comp.Key()

	// A checkpoint written by a differently parameterized kernel under the
	// same key (e.g. after a config edit that kept the indicator name).
	foreign, err := indicator.NewEMA(8)
	require.NoError(t, err)
	foreign.Update(market.Bar{Time: hourMs, Close: 100})
	state, err := foreign.Snapshot()
	require.NoError(t, err)
	st.cps[key] = store.Checkpoint{LastTime: startTime + hourMs, State: state}

	res := New(src, st, testOptions(startTime, now)).Run(context.Background(), comp, ModeUpdate)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, indicator.ErrStateMismatch)
	assert.Empty(t, snapshotRows(st, key), "a mismatched checkpoint must not produce rows")

	// Force reload discards the foreign checkpoint and recomputes cleanly.
	res = New(src, st, testOptions(startTime, now)).Run(context.Background(), comp, ModeForceReload)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, snapshotRows(st, key))
}

func TestRunWithNothingNewToDo(t *testing.T) {
	startTime := 40 * dayMs
	// now lands inside the first interval: no label has fully elapsed.
	now := startTime + 30*minuteMs

	src := newFakeSource()
	st := newFakeStore()
	res := New(src, st, testOptions(startTime, now)).Run(context.Background(), emaComputation(t, 5), ModeUpdate)
	require.NoError(t, res.Err)
	assert.Zero(t, res.Batches)
	assert.Zero(t, res.RowsWritten)
}

func TestRunAllIsolatesFailingKeys(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 6*hourMs + 5*minuteMs

	src := newFakeSource()
	src.failSym["BADUSDT"] = errors.New("symbol delisted")
	st := newFakeStore()

	good := emaComputation(t, 5)
	bad := emaComputation(t, 5)
	bad.Symbol = "BADUSDT"

	results := New(src, st, testOptions(startTime, now)).
		RunAll(context.Background(), []Computation{good, bad}, ModeUpdate, 2)
	require.Len(t, results, 2)

	byKey := make(map[store.Key]RunResult, len(results))
	for _, r := range results {
		byKey[r.Key] = r
	}
	assert.Error(t, byKey[bad.Key()].Err)
	assert.NoError(t, byKey[good.Key()].Err)
	assert.NotEmpty(t, snapshotRows(st, good.Key()), "a failing key must not block the others")
}

func TestStatusReportsCompleteness(t *testing.T) {
	startTime := 40 * dayMs
	now := startTime + 12*hourMs + 30*minuteMs

	src := newFakeSource()
	gapLabel := startTime + 6*hourMs
	src.withholdRange(gapLabel-10*minuteMs, gapLabel-9*minuteMs)

	st := newFakeStore()
	comp := emaComputation(t, 5)
	eng := New(src, st, testOptions(startTime, now))
	require.NoError(t, eng.Run(context.Background(), comp, ModeUpdate).Err)

	status, err := eng.Status(context.Background(), comp)
	require.NoError(t, err)
	// 12 stored bars, 11 valued: the withheld hour stays null.
	assert.InDelta(t, 11.0/12.0, status.Completeness, 1e-9)
	assert.Equal(t, startTime+12*hourMs, status.LastTime)

	// The newest bar's values ride along for dashboards.
	require.Contains(t, status.LastValues, "ema")
	assert.Greater(t, status.LastValues["ema"], 0.0)
}

func snapshotRows(s *fakeStore, key store.Key) map[rowID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[rowID]string, len(s.rows[key]))
	for id, r := range s.rows[key] {
		if r.Value.Valid {
			out[id] = r.Value.Decimal.String()
		} else {
			out[id] = "null"
		}
	}
	return out
}
