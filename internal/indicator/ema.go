package indicator

import (
	"encoding/json"
	"fmt"

	"indicore/internal/market"
)

// emaCore is the single-stage exponential recurrence shared by the EMA and
// MACD kernels: ema' = v*alpha + ema*(1-alpha). The first input seeds the
// recurrence unsmoothed.
type emaCore struct {
	Alpha  float64 `json:"alpha"`
	Seeded bool    `json:"seeded"`
	Value  float64 `json:"value"`
}

func newEMACore(period int) emaCore {
	return emaCore{Alpha: 2.0 / float64(period+1)}
}

func (e *emaCore) step(v float64) float64 {
	if !e.Seeded {
		e.Value = v
		e.Seeded = true
		return e.Value
	}
	e.Value = v*e.Alpha + e.Value*(1-e.Alpha)
	return e.Value
}

func (e *emaCore) reset() {
	e.Seeded = false
	e.Value = 0
}

// EMA is the exponential moving average of bar closes.
type EMA struct {
	period int
	core   emaCore
}

func NewEMA(period int) (*EMA, error) {
	if period < 1 {
		return nil, fmt.Errorf("ema: period must be >= 1, got %d", period)
	}
	return &EMA{period: period, core: newEMACore(period)}, nil
}

func (e *EMA) Name() string      { return fmt.Sprintf("ema_%d", e.period) }
func (e *EMA) Family() Family    { return FamilyEMA }
func (e *EMA) Columns() []string { return []string{"ema"} }
func (e *EMA) Warmup() int       { return 1 }
func (e *EMA) Precision() int32  { return 8 }

func (e *EMA) LookbackBars(singleMult, _ int) int {
	return singleMult * e.period
}

func (e *EMA) Update(bar market.Bar) Point {
	return point(bar.Time, map[string]float64{"ema": e.core.step(bar.Close)})
}

func (e *EMA) Reset() { e.core.reset() }

type emaState struct {
	stateHeader
	Core emaCore `json:"core"`
}

func (e *EMA) Snapshot() (json.RawMessage, error) {
	return json.Marshal(emaState{
		stateHeader: stateHeader{Family: FamilyEMA, Name: e.Name()},
		Core:        e.core,
	})
}

func (e *EMA) Restore(raw json.RawMessage) error {
	var st emaState
	if err := decodeState(raw, FamilyEMA, e.Name(), &st); err != nil {
		return err
	}
	e.core = st.Core
	e.core.Alpha = newEMACore(e.period).Alpha
	return nil
}
