// Package indicator implements incremental technical-indicator kernels.
//
// Each kernel is a streaming calculator: it consumes closed bars one at a
// time, carries the minimal recursion state of its family, and can snapshot
// and restore that state across batch and process boundaries. All recurrence
// arithmetic stays in float64; rounding to storage precision happens at the
// write boundary, never here.
package indicator

import (
	"encoding/json"
	"errors"
	"fmt"

	"indicore/internal/market"
)

// Family groups kernels by the recurrence they carry.
type Family string

const (
	FamilyEMA    Family = "ema"
	FamilyMACD   Family = "macd"
	FamilyRSI    Family = "rsi"
	FamilyATR    Family = "atr"
	FamilyADX    Family = "adx"
	FamilySMA    Family = "sma"
	FamilyBBands Family = "bbands"
)

// ErrStateMismatch is returned by Restore when a checkpointed state was
// produced by a different kernel configuration. Callers resolve it with an
// explicit force-reload, never automatically.
var ErrStateMismatch = errors.New("indicator: checkpoint state does not match kernel parameters")

// Point is one kernel output. Valid=false is the explicit "no value yet"
// marker; it is distinct from a stored zero.
type Point struct {
	Time   int64
	Valid  bool
	Values map[string]float64
}

// Kernel is a resumable streaming indicator computation.
type Kernel interface {
	// Name is the stable identifier used in computation keys, e.g. "ema_21".
	Name() string
	Family() Family
	// Columns lists the output fields in stable order.
	Columns() []string
	// Warmup is the minimum number of bars before the first valid output on
	// a cold start.
	Warmup() int
	// Precision is the fixed-point storage precision in decimal places.
	Precision() int32
	// LookbackBars is how many extra bars must precede a batch so that a
	// kernel warmed only on that prefix converges to full-history values.
	// The multipliers apply to single- and double-stage recursions; bounded
	// windows ignore them.
	LookbackBars(singleMult, doubleMult int) int

	// Update consumes the next closed bar and returns its output.
	Update(bar market.Bar) Point
	// Reset clears all state back to cold start.
	Reset()

	// Snapshot serializes the carried recursion state.
	Snapshot() (json.RawMessage, error)
	// Restore replaces internal state with a snapshot taken by an
	// identically configured kernel, or fails with ErrStateMismatch.
	Restore(raw json.RawMessage) error
}

// stateHeader tags every serialized state with the kernel that produced it.
type stateHeader struct {
	Family Family `json:"family"`
	Name   string `json:"name"`
}

func decodeState(raw json.RawMessage, family Family, name string, dst any) error {
	var head stateHeader
	if err := json.Unmarshal(raw, &head); err != nil {
		return fmt.Errorf("%w: %v", ErrStateMismatch, err)
	}
	if head.Family != family || head.Name != name {
		return fmt.Errorf("%w: state is %s/%s, kernel is %s/%s",
			ErrStateMismatch, head.Family, head.Name, family, name)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrStateMismatch, err)
	}
	return nil
}

func point(t int64, values map[string]float64) Point {
	return Point{Time: t, Valid: true, Values: values}
}

func noValue(t int64) Point {
	return Point{Time: t}
}
