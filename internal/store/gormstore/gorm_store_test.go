package gormstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"indicore/internal/store"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "indicore.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKey() store.Key {
	return store.Key{Symbol: "BTCUSDT", Timeframe: "1h", Indicator: "ema_21"}
}

func mustDecimal(t *testing.T, s string) decimal.NullDecimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	_, err := s.GetCheckpoint(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	state := []byte(`{"family":"ema","name":"ema_21","core":{"alpha":0.09,"seeded":true,"value":101.5}}`)
	cp := store.Checkpoint{LastTime: 7_200_000, State: state}
	require.NoError(t, s.CommitBatch(ctx, key, nil, cp))

	got, err := s.GetCheckpoint(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, cp.LastTime, got.LastTime)
	assert.JSONEq(t, string(state), string(got.State))

	// A later batch moves the checkpoint in place; one row per key.
	cp2 := store.Checkpoint{LastTime: 10_800_000, State: state}
	require.NoError(t, s.CommitBatch(ctx, key, nil, cp2))
	got, err = s.GetCheckpoint(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, cp2.LastTime, got.LastTime)

	require.NoError(t, s.ResetCheckpoint(ctx, key))
	_, err = s.GetCheckpoint(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCommitBatchIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	rows := []store.Row{
		{Key: key, Field: "ema", BarTime: 3_600_000, Value: mustDecimal(t, "101.12345678")},
		{Key: key, Field: "ema", BarTime: 7_200_000, Value: mustDecimal(t, "101.50000000")},
		{Key: key, Field: "ema", BarTime: 10_800_000}, // explicit no-value bar
	}
	cp := store.Checkpoint{LastTime: 10_800_000, State: []byte(`{"family":"ema","name":"ema_21"}`)}

	require.NoError(t, s.CommitBatch(ctx, key, rows, cp))
	first, err := s.KeyStatus(ctx, key)
	require.NoError(t, err)

	// Re-running the identical batch must not duplicate or alter anything.
	require.NoError(t, s.CommitBatch(ctx, key, rows, cp))
	second, err := s.KeyStatus(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(3_600_000), second.FirstTime)
	assert.Equal(t, int64(10_800_000), second.LastTime)
	assert.Equal(t, int64(2), second.ValuedBars, "the null bar must not count as valued")
}

func TestCommitBatchOverwritesProvisionalValues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := testKey()
	cp := store.Checkpoint{LastTime: 3_600_000, State: []byte(`{}`)}

	provisional := []store.Row{{Key: key, Field: "ema", BarTime: 3_600_000, Value: mustDecimal(t, "100.1")}}
	require.NoError(t, s.CommitBatch(ctx, key, provisional, cp))

	settled := []store.Row{{Key: key, Field: "ema", BarTime: 3_600_000, Value: mustDecimal(t, "100.2")}}
	require.NoError(t, s.CommitBatch(ctx, key, settled, cp))

	st, err := s.KeyStatus(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ValuedBars, "upsert must replace, not append")
}

func TestLatestRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	key := store.Key{Symbol: "BTCUSDT", Timeframe: "1h", Indicator: "macd_12_26_9"}

	empty, err := s.LatestRows(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, empty)

	rows := []store.Row{
		{Key: key, Field: "macd", BarTime: 3_600_000, Value: mustDecimal(t, "0.5")},
		{Key: key, Field: "signal", BarTime: 3_600_000, Value: mustDecimal(t, "0.4")},
		{Key: key, Field: "macd", BarTime: 7_200_000, Value: mustDecimal(t, "0.6")},
		{Key: key, Field: "signal", BarTime: 7_200_000}, // not yet warm
	}
	cp := store.Checkpoint{LastTime: 7_200_000, State: []byte(`{}`)}
	require.NoError(t, s.CommitBatch(ctx, key, rows, cp))

	got, err := s.LatestRows(ctx, key)
	require.NoError(t, err)
	require.Len(t, got, 2, "every field at the newest bar time")
	byField := make(map[string]store.Row, len(got))
	for _, r := range got {
		assert.Equal(t, int64(7_200_000), r.BarTime)
		byField[r.Field] = r
	}
	assert.True(t, byField["macd"].Value.Valid)
	assert.True(t, mustDecimal(t, "0.6").Decimal.Equal(byField["macd"].Value.Decimal))
	assert.False(t, byField["signal"].Value.Valid)
}

func TestKeysAreIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	keyA := testKey()
	keyB := store.Key{Symbol: "ETHUSDT", Timeframe: "1h", Indicator: "ema_21"}

	require.NoError(t, s.CommitBatch(ctx, keyA,
		[]store.Row{{Key: keyA, Field: "ema", BarTime: 3_600_000, Value: mustDecimal(t, "1")}},
		store.Checkpoint{LastTime: 3_600_000, State: []byte(`{}`)}))

	_, err := s.GetCheckpoint(ctx, keyB)
	assert.ErrorIs(t, err, store.ErrNotFound)

	st, err := s.KeyStatus(ctx, keyB)
	require.NoError(t, err)
	assert.Zero(t, st.LastTime)
	assert.Zero(t, st.ValuedBars)
}
