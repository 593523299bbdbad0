package indicator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"indicore/internal/market"
)

// window is the trailing-value buffer of the bounded-window family. In
// streaming form the window itself is the carried state: outputs are a pure
// function of its contents.
type window struct {
	Size   int       `json:"size"`
	Values []float64 `json:"values"`
}

func newWindow(size int) window {
	return window{Size: size}
}

func (w *window) push(v float64) {
	w.Values = append(w.Values, v)
	if len(w.Values) > w.Size {
		w.Values = w.Values[len(w.Values)-w.Size:]
	}
}

func (w *window) full() bool { return len(w.Values) >= w.Size }

func (w *window) mean() float64 {
	var sum float64
	for _, v := range w.Values {
		sum += v
	}
	return sum / float64(len(w.Values))
}

// stddev is the population standard deviation over the window.
func (w *window) stddev() float64 {
	m := w.mean()
	var sum float64
	for _, v := range w.Values {
		d := v - m
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(w.Values)))
}

func (w *window) reset() { w.Values = nil }

// SMA is the simple moving average of bar closes.
type SMA struct {
	period int
	win    window
}

func NewSMA(period int) (*SMA, error) {
	if period < 1 {
		return nil, fmt.Errorf("sma: period must be >= 1, got %d", period)
	}
	return &SMA{period: period, win: newWindow(period)}, nil
}

func (s *SMA) Name() string      { return fmt.Sprintf("sma_%d", s.period) }
func (s *SMA) Family() Family    { return FamilySMA }
func (s *SMA) Columns() []string { return []string{"sma"} }
func (s *SMA) Warmup() int       { return s.period }
func (s *SMA) Precision() int32  { return 8 }

// LookbackBars is exact for bounded windows; no convergence slack needed.
func (s *SMA) LookbackBars(_, _ int) int { return s.period - 1 }

func (s *SMA) Update(bar market.Bar) Point {
	s.win.push(bar.Close)
	if !s.win.full() {
		return noValue(bar.Time)
	}
	return point(bar.Time, map[string]float64{"sma": s.win.mean()})
}

func (s *SMA) Reset() { s.win.reset() }

type smaState struct {
	stateHeader
	Win window `json:"window"`
}

func (s *SMA) Snapshot() (json.RawMessage, error) {
	return json.Marshal(smaState{
		stateHeader: stateHeader{Family: FamilySMA, Name: s.Name()},
		Win:         s.win,
	})
}

func (s *SMA) Restore(raw json.RawMessage) error {
	var st smaState
	if err := decodeState(raw, FamilySMA, s.Name(), &st); err != nil {
		return err
	}
	if st.Win.Size != s.period {
		return fmt.Errorf("%w: state window %d, kernel period %d", ErrStateMismatch, st.Win.Size, s.period)
	}
	s.win = st.Win
	return nil
}

// BBands are rolling mean/population-std bands around bar closes.
type BBands struct {
	period int
	mult   float64
	win    window
}

func NewBBands(period int, mult float64) (*BBands, error) {
	if period < 2 {
		return nil, fmt.Errorf("bbands: period must be >= 2, got %d", period)
	}
	if mult <= 0 {
		return nil, fmt.Errorf("bbands: band width must be > 0, got %g", mult)
	}
	return &BBands{period: period, mult: mult, win: newWindow(period)}, nil
}

func (b *BBands) Name() string {
	return fmt.Sprintf("bbands_%d_%s", b.period, strconv.FormatFloat(b.mult, 'g', -1, 64))
}

func (b *BBands) Family() Family    { return FamilyBBands }
func (b *BBands) Columns() []string { return []string{"middle", "upper", "lower"} }
func (b *BBands) Warmup() int       { return b.period }
func (b *BBands) Precision() int32  { return 8 }

func (b *BBands) LookbackBars(_, _ int) int { return b.period - 1 }

func (b *BBands) Update(bar market.Bar) Point {
	b.win.push(bar.Close)
	if !b.win.full() {
		return noValue(bar.Time)
	}
	mid := b.win.mean()
	dev := b.mult * b.win.stddev()
	return point(bar.Time, map[string]float64{
		"middle": mid,
		"upper":  mid + dev,
		"lower":  mid - dev,
	})
}

func (b *BBands) Reset() { b.win.reset() }

type bbandsState struct {
	stateHeader
	Win window `json:"window"`
}

func (b *BBands) Snapshot() (json.RawMessage, error) {
	return json.Marshal(bbandsState{
		stateHeader: stateHeader{Family: FamilyBBands, Name: b.Name()},
		Win:         b.win,
	})
}

func (b *BBands) Restore(raw json.RawMessage) error {
	var st bbandsState
	if err := decodeState(raw, FamilyBBands, b.Name(), &st); err != nil {
		return err
	}
	if st.Win.Size != b.period {
		return fmt.Errorf("%w: state window %d, kernel period %d", ErrStateMismatch, st.Win.Size, b.period)
	}
	b.win = st.Win
	return nil
}
