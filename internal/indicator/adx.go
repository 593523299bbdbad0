package indicator

import (
	"encoding/json"
	"fmt"
	"math"

	"indicore/internal/market"
)

// ADX is Wilder's average directional index: smoothed directional movement
// and true range feed the DI ratio, whose DX is smoothed once more. The
// second stage cannot start until the first is past its own cold start, so
// the first output needs roughly 2N bars.
type ADX struct {
	period int

	hasPrev   bool
	prevHigh  float64
	prevLow   float64
	prevClose float64

	tr      wilderAvg
	plusDM  wilderAvg
	minusDM wilderAvg
	dx      wilderAvg
}

func NewADX(period int) (*ADX, error) {
	if period < 1 {
		return nil, fmt.Errorf("adx: period must be >= 1, got %d", period)
	}
	return &ADX{
		period:  period,
		tr:      newWilderAvg(period),
		plusDM:  newWilderAvg(period),
		minusDM: newWilderAvg(period),
		dx:      newWilderAvg(period),
	}, nil
}

func (a *ADX) Name() string      { return fmt.Sprintf("adx_%d", a.period) }
func (a *ADX) Family() Family    { return FamilyADX }
func (a *ADX) Columns() []string { return []string{"adx", "plus_di", "minus_di"} }
func (a *ADX) Warmup() int       { return 2*a.period + 1 }
func (a *ADX) Precision() int32  { return 4 }

// LookbackBars doubles the stage count: convergence error compounds across
// the nested smoothing stages.
func (a *ADX) LookbackBars(_, doubleMult int) int {
	return doubleMult * 2 * a.period
}

func (a *ADX) Update(bar market.Bar) Point {
	if !a.hasPrev {
		a.hasPrev = true
		a.prevHigh, a.prevLow, a.prevClose = bar.High, bar.Low, bar.Close
		return noValue(bar.Time)
	}
	upMove := bar.High - a.prevHigh
	downMove := a.prevLow - bar.Low
	var plus, minus float64
	if upMove > downMove && upMove > 0 {
		plus = upMove
	}
	if downMove > upMove && downMove > 0 {
		minus = downMove
	}
	tr := trueRange(bar.High, bar.Low, a.prevClose, true)
	a.prevHigh, a.prevLow, a.prevClose = bar.High, bar.Low, bar.Close

	smoothedTR, okTR := a.tr.step(tr)
	smoothedPlus, _ := a.plusDM.step(plus)
	smoothedMinus, _ := a.minusDM.step(minus)
	if !okTR {
		return noValue(bar.Time)
	}

	var plusDI, minusDI float64
	if smoothedTR > 0 {
		plusDI = 100 * smoothedPlus / smoothedTR
		minusDI = 100 * smoothedMinus / smoothedTR
	}
	var dx float64
	if sum := plusDI + minusDI; sum > 0 {
		dx = 100 * math.Abs(plusDI-minusDI) / sum
	}
	adx, ok := a.dx.step(dx)
	if !ok {
		return noValue(bar.Time)
	}
	return point(bar.Time, map[string]float64{
		"adx":      adx,
		"plus_di":  plusDI,
		"minus_di": minusDI,
	})
}

func (a *ADX) Reset() {
	a.hasPrev = false
	a.prevHigh, a.prevLow, a.prevClose = 0, 0, 0
	a.tr.reset()
	a.plusDM.reset()
	a.minusDM.reset()
	a.dx.reset()
}

type adxState struct {
	stateHeader
	HasPrev   bool      `json:"has_prev"`
	PrevHigh  float64   `json:"prev_high"`
	PrevLow   float64   `json:"prev_low"`
	PrevClose float64   `json:"prev_close"`
	TR        wilderAvg `json:"smoothed_tr"`
	PlusDM    wilderAvg `json:"smoothed_plus_dm"`
	MinusDM   wilderAvg `json:"smoothed_minus_dm"`
	DX        wilderAvg `json:"smoothed_dx"`
}

func (a *ADX) Snapshot() (json.RawMessage, error) {
	return json.Marshal(adxState{
		stateHeader: stateHeader{Family: FamilyADX, Name: a.Name()},
		HasPrev:     a.hasPrev,
		PrevHigh:    a.prevHigh,
		PrevLow:     a.prevLow,
		PrevClose:   a.prevClose,
		TR:          a.tr,
		PlusDM:      a.plusDM,
		MinusDM:     a.minusDM,
		DX:          a.dx,
	})
}

func (a *ADX) Restore(raw json.RawMessage) error {
	var st adxState
	if err := decodeState(raw, FamilyADX, a.Name(), &st); err != nil {
		return err
	}
	if st.TR.Period != a.period || st.DX.Period != a.period {
		return fmt.Errorf("%w: state period %d, kernel period %d", ErrStateMismatch, st.TR.Period, a.period)
	}
	a.hasPrev = st.HasPrev
	a.prevHigh, a.prevLow, a.prevClose = st.PrevHigh, st.PrevLow, st.PrevClose
	a.tr, a.plusDM, a.minusDM, a.dx = st.TR, st.PlusDM, st.MinusDM, st.DX
	return nil
}
