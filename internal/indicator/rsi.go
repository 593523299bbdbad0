package indicator

import (
	"encoding/json"
	"fmt"

	"indicore/internal/market"
)

// RSI is Wilder's relative strength index over bar closes.
type RSI struct {
	period int

	hasPrev   bool
	prevClose float64
	gain      wilderAvg
	loss      wilderAvg
}

func NewRSI(period int) (*RSI, error) {
	if period < 1 {
		return nil, fmt.Errorf("rsi: period must be >= 1, got %d", period)
	}
	return &RSI{
		period: period,
		gain:   newWilderAvg(period),
		loss:   newWilderAvg(period),
	}, nil
}

func (r *RSI) Name() string      { return fmt.Sprintf("rsi_%d", r.period) }
func (r *RSI) Family() Family    { return FamilyRSI }
func (r *RSI) Columns() []string { return []string{"rsi"} }
func (r *RSI) Precision() int32  { return 4 }

// Warmup is period+1 bars: one to anchor the first close-to-close change,
// period to complete the cold-start averages.
func (r *RSI) Warmup() int { return r.period + 1 }

func (r *RSI) LookbackBars(singleMult, _ int) int {
	return singleMult * r.period
}

func (r *RSI) Update(bar market.Bar) Point {
	if !r.hasPrev {
		r.hasPrev = true
		r.prevClose = bar.Close
		return noValue(bar.Time)
	}
	change := bar.Close - r.prevClose
	r.prevClose = bar.Close
	var up, down float64
	if change > 0 {
		up = change
	} else {
		down = -change
	}
	avgGain, okGain := r.gain.step(up)
	avgLoss, okLoss := r.loss.step(down)
	if !okGain || !okLoss {
		return noValue(bar.Time)
	}
	rsi := 100.0
	if avgLoss > 0 {
		rsi = 100 - 100/(1+avgGain/avgLoss)
	}
	return point(bar.Time, map[string]float64{"rsi": rsi})
}

func (r *RSI) Reset() {
	r.hasPrev = false
	r.prevClose = 0
	r.gain.reset()
	r.loss.reset()
}

type rsiState struct {
	stateHeader
	HasPrev   bool      `json:"has_prev"`
	PrevClose float64   `json:"prev_close"`
	Gain      wilderAvg `json:"avg_gain"`
	Loss      wilderAvg `json:"avg_loss"`
}

func (r *RSI) Snapshot() (json.RawMessage, error) {
	return json.Marshal(rsiState{
		stateHeader: stateHeader{Family: FamilyRSI, Name: r.Name()},
		HasPrev:     r.hasPrev,
		PrevClose:   r.prevClose,
		Gain:        r.gain,
		Loss:        r.loss,
	})
}

func (r *RSI) Restore(raw json.RawMessage) error {
	var st rsiState
	if err := decodeState(raw, FamilyRSI, r.Name(), &st); err != nil {
		return err
	}
	if st.Gain.Period != r.period || st.Loss.Period != r.period {
		return fmt.Errorf("%w: state period %d, kernel period %d", ErrStateMismatch, st.Gain.Period, r.period)
	}
	r.hasPrev, r.prevClose, r.gain, r.loss = st.HasPrev, st.PrevClose, st.Gain, st.Loss
	return nil
}
