package engine

import (
	"context"

	"indicore/internal/pkg/convert"
	"indicore/internal/store"
)

// Status is the per-key progress summary consumed by reporting tooling.
type Status struct {
	Key          store.Key          `json:"key"`
	LastTime     int64              `json:"last_timestamp"`
	Completeness float64            `json:"completeness_fraction"`
	LastValues   map[string]float64 `json:"last_values,omitempty"`
}

// Status reports a computation's stored last timestamp, the fraction of
// expected bars between the first and last stored bar that carry a value, and
// the newest bar's values. Gaps and not-yet-warm bars lower the fraction; an
// empty key reports zero.
func (e *Engine) Status(ctx context.Context, comp Computation) (Status, error) {
	key := comp.Key()
	ks, err := e.store.KeyStatus(ctx, key)
	if err != nil {
		return Status{}, err
	}
	st := Status{Key: key, LastTime: ks.LastTime}
	if ks.LastTime <= 0 || ks.FirstTime <= 0 {
		return st, nil
	}
	period := comp.Timeframe.Millis()
	expected := (ks.LastTime-ks.FirstTime)/period + 1
	if expected > 0 {
		st.Completeness = float64(ks.ValuedBars) / float64(expected)
	}
	rows, err := e.store.LatestRows(ctx, key)
	if err != nil {
		return Status{}, err
	}
	for _, r := range rows {
		if !r.Value.Valid {
			continue
		}
		if st.LastValues == nil {
			st.LastValues = make(map[string]float64, len(rows))
		}
		st.LastValues[r.Field] = convert.FromFixed(r.Value.Decimal)
	}
	return st, nil
}
