package indicator

import (
	"encoding/json"
	"fmt"

	"indicore/internal/market"
)

// ATR is Wilder's average true range.
type ATR struct {
	period int

	hasPrev   bool
	prevClose float64
	tr        wilderAvg
}

func NewATR(period int) (*ATR, error) {
	if period < 1 {
		return nil, fmt.Errorf("atr: period must be >= 1, got %d", period)
	}
	return &ATR{period: period, tr: newWilderAvg(period)}, nil
}

func (a *ATR) Name() string      { return fmt.Sprintf("atr_%d", a.period) }
func (a *ATR) Family() Family    { return FamilyATR }
func (a *ATR) Columns() []string { return []string{"atr"} }
func (a *ATR) Warmup() int       { return a.period }
func (a *ATR) Precision() int32  { return 8 }

func (a *ATR) LookbackBars(singleMult, _ int) int {
	return singleMult * a.period
}

func (a *ATR) Update(bar market.Bar) Point {
	tr := trueRange(bar.High, bar.Low, a.prevClose, a.hasPrev)
	a.hasPrev = true
	a.prevClose = bar.Close
	avg, ok := a.tr.step(tr)
	if !ok {
		return noValue(bar.Time)
	}
	return point(bar.Time, map[string]float64{"atr": avg})
}

func (a *ATR) Reset() {
	a.hasPrev = false
	a.prevClose = 0
	a.tr.reset()
}

type atrState struct {
	stateHeader
	HasPrev   bool      `json:"has_prev"`
	PrevClose float64   `json:"prev_close"`
	TR        wilderAvg `json:"smoothed_tr"`
}

func (a *ATR) Snapshot() (json.RawMessage, error) {
	return json.Marshal(atrState{
		stateHeader: stateHeader{Family: FamilyATR, Name: a.Name()},
		HasPrev:     a.hasPrev,
		PrevClose:   a.prevClose,
		TR:          a.tr,
	})
}

func (a *ATR) Restore(raw json.RawMessage) error {
	var st atrState
	if err := decodeState(raw, FamilyATR, a.Name(), &st); err != nil {
		return err
	}
	if st.TR.Period != a.period {
		return fmt.Errorf("%w: state period %d, kernel period %d", ErrStateMismatch, st.TR.Period, a.period)
	}
	a.hasPrev, a.prevClose, a.tr = st.HasPrev, st.PrevClose, st.TR
	return nil
}
