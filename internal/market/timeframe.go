package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BaseInterval is the interval of source candles. All derived timeframes are
// built from it.
const BaseInterval = time.Minute

// Timeframe describes a derived bar period.
type Timeframe struct {
	Key      string
	Duration time.Duration
}

// ParseTimeframe normalizes inputs like "15m", "1h", "4h", "1d", "1w".
// The duration must be a whole multiple of the base interval.
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	dur, ok := parseIntervalDuration(key)
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %s", input)
	}
	if dur%BaseInterval != 0 {
		return Timeframe{}, fmt.Errorf("timeframe %s is not a multiple of the %s base interval", input, BaseInterval)
	}
	return Timeframe{Key: key, Duration: dur}, nil
}

// parseIntervalDuration parses "15m", "1h", "4h", "1d", "1w" into time.Duration.
// Returns (0, false) on invalid input.
func parseIntervalDuration(interval string) (time.Duration, bool) {
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// Millis returns the period length in milliseconds.
func (tf Timeframe) Millis() int64 {
	return tf.Duration.Milliseconds()
}

// BaseCandles returns how many base candles make up one bar.
func (tf Timeframe) BaseCandles() int {
	return int(tf.Duration / BaseInterval)
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignDown snaps a millisecond timestamp down to the timeframe grid.
func (tf Timeframe) AlignDown(ts int64) int64 {
	return alignDown(ts, tf.Millis())
}

// AlignRange snaps start/end to the timeframe grid, guaranteeing start<=end.
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	step := tf.Millis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedBars counts grid labels in the half-open range (start, end].
func (tf Timeframe) ExpectedBars(start, end int64) int64 {
	if end <= start {
		return 0
	}
	step := tf.Millis()
	if step == 0 {
		return 0
	}
	return (alignDown(end, step) - alignDown(start, step)) / step
}
