package market

import "fmt"

// Slot is one grid position in an aggregated range. A slot whose interval
// could not materialize a bar carries a nil Bar; Missing counts the base
// candles unaccounted for (absent grid minutes, or off-grid candles when the
// grid itself is covered), so a gap slot always reports Missing > 0.
type Slot struct {
	Time    int64
	Bar     *Bar
	Missing int
}

// Gap reports whether the slot has no materialized bar.
func (s Slot) Gap() bool { return s.Bar == nil }

// Aggregate rolls base-interval candles into tf bars.
//
// It emits one slot per grid label T in (rangeStart, rangeEnd] whose interval
// has fully elapsed (T <= now). The bar for label T is built from the base
// candles with open times in [T-P, T): Open from the first, Close from the
// last, High/Low as extremes, Volume as the sum. An interval missing any base
// candle, or containing off-grid open times, produces a gap slot; nothing is
// ever interpolated. The trailing, still-forming interval is not emitted at
// all.
//
// Base candles must be ascending without duplicates.
func Aggregate(base []Candle, tf Timeframe, rangeStart, rangeEnd, now int64) ([]Slot, error) {
	step := tf.Millis()
	if step <= 0 {
		return nil, fmt.Errorf("aggregate: invalid timeframe %q", tf.Key)
	}
	expected := tf.BaseCandles()
	if expected <= 0 {
		return nil, fmt.Errorf("aggregate: timeframe %q below base interval", tf.Key)
	}
	baseMs := BaseInterval.Milliseconds()
	for i := 1; i < len(base); i++ {
		if base[i].OpenTime <= base[i-1].OpenTime {
			return nil, fmt.Errorf("aggregate: base candles out of order at index %d", i)
		}
	}

	// Smallest grid label strictly greater than rangeStart.
	first := alignDown(rangeStart, step) + step
	last := alignDown(rangeEnd, step)
	if last > now {
		last = alignDown(now, step)
	}
	if last < first {
		return nil, nil
	}

	out := make([]Slot, 0, (last-first)/step+1)
	idx := 0
	for label := first; label <= last; label += step {
		intervalStart := label - step
		for idx < len(base) && base[idx].OpenTime < intervalStart {
			idx++
		}
		begin := idx
		total := 0
		covered := 0
		for idx < len(base) && base[idx].OpenTime < label {
			if base[idx].OpenTime%baseMs == 0 {
				covered++
			}
			total++
			idx++
		}
		slot := Slot{Time: label, Missing: expected - covered}
		if covered == expected && total == expected {
			chunk := base[begin:idx]
			bar := Bar{
				Time:  label,
				Open:  chunk[0].Open,
				Close: chunk[len(chunk)-1].Close,
				High:  chunk[0].High,
				Low:   chunk[0].Low,
				Count: covered,
			}
			for _, c := range chunk {
				if c.High > bar.High {
					bar.High = c.High
				}
				if c.Low < bar.Low {
					bar.Low = c.Low
				}
				bar.Volume += c.Volume
			}
			slot.Bar = &bar
			slot.Missing = 0
		} else if slot.Missing == 0 {
			// Full grid coverage plus off-grid extras: report the extras as
			// the unaccounted candles.
			slot.Missing = total - covered
		}
		out = append(out, slot)
	}
	return out, nil
}
