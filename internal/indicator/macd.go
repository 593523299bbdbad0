package indicator

import (
	"encoding/json"
	"fmt"

	"indicore/internal/market"
)

// MACD is the fast/slow EMA difference with its own EMA-smoothed signal line.
type MACD struct {
	fastPeriod   int
	slowPeriod   int
	signalPeriod int

	fast   emaCore
	slow   emaCore
	signal emaCore
	count  int
}

func NewMACD(fast, slow, signal int) (*MACD, error) {
	if fast < 1 || slow < 1 || signal < 1 {
		return nil, fmt.Errorf("macd: periods must be >= 1, got %d/%d/%d", fast, slow, signal)
	}
	if fast >= slow {
		return nil, fmt.Errorf("macd: fast period %d must be below slow period %d", fast, slow)
	}
	return &MACD{
		fastPeriod:   fast,
		slowPeriod:   slow,
		signalPeriod: signal,
		fast:         newEMACore(fast),
		slow:         newEMACore(slow),
		signal:       newEMACore(signal),
	}, nil
}

func (m *MACD) Name() string {
	return fmt.Sprintf("macd_%d_%d_%d", m.fastPeriod, m.slowPeriod, m.signalPeriod)
}

func (m *MACD) Family() Family    { return FamilyMACD }
func (m *MACD) Columns() []string { return []string{"macd", "signal", "hist"} }
func (m *MACD) Precision() int32  { return 8 }

// Warmup covers the slow EMA plus the signal smoothing of its output.
func (m *MACD) Warmup() int { return m.slowPeriod + m.signalPeriod - 1 }

func (m *MACD) LookbackBars(singleMult, _ int) int {
	return singleMult * (m.slowPeriod + m.signalPeriod)
}

func (m *MACD) Update(bar market.Bar) Point {
	dif := m.fast.step(bar.Close) - m.slow.step(bar.Close)
	dea := m.signal.step(dif)
	m.count++
	if m.count < m.Warmup() {
		return noValue(bar.Time)
	}
	return point(bar.Time, map[string]float64{
		"macd":   dif,
		"signal": dea,
		"hist":   dif - dea,
	})
}

func (m *MACD) Reset() {
	m.fast.reset()
	m.slow.reset()
	m.signal.reset()
	m.count = 0
}

type macdState struct {
	stateHeader
	Fast   emaCore `json:"fast"`
	Slow   emaCore `json:"slow"`
	Signal emaCore `json:"signal"`
	Count  int     `json:"count"`
}

func (m *MACD) Snapshot() (json.RawMessage, error) {
	return json.Marshal(macdState{
		stateHeader: stateHeader{Family: FamilyMACD, Name: m.Name()},
		Fast:        m.fast,
		Slow:        m.slow,
		Signal:      m.signal,
		Count:       m.count,
	})
}

func (m *MACD) Restore(raw json.RawMessage) error {
	var st macdState
	if err := decodeState(raw, FamilyMACD, m.Name(), &st); err != nil {
		return err
	}
	m.fast, m.slow, m.signal, m.count = st.Fast, st.Slow, st.Signal, st.Count
	m.fast.Alpha = newEMACore(m.fastPeriod).Alpha
	m.slow.Alpha = newEMACore(m.slowPeriod).Alpha
	m.signal.Alpha = newEMACore(m.signalPeriod).Alpha
	return nil
}
