// Package convert centralizes numeric boundary conversions. Recurrence
// arithmetic stays in float64; the fixed-point representation exists only in
// storage, so there is exactly one conversion on write and one on read.
package convert

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ToFixed rounds a computed float to the declared storage precision.
// Rounding is half-away-from-zero and deterministic for a given input.
func ToFixed(v float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(places)
}

// FromFixed converts a stored fixed-point value back into computation space.
func FromFixed(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// IsStorable reports whether a kernel output can be persisted at all.
// NaN and infinities are mapped to the explicit no-value marker upstream.
func IsStorable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ToFloat64 converts various numeric types to float64.
// Returns 0 for unsupported types or parse failures.
func ToFloat64(v any) float64 {
	switch t := v.(type) {
	case nil:
		return 0
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case uint64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	default:
		return 0
	}
}

// ToInt converts various numeric types to int, truncating fractions.
func ToInt(v any) int {
	return int(ToFloat64(v))
}
