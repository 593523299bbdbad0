package indicator

import "math"

// wilderAvg is Wilder's smoothing: the first N raw values are averaged
// arithmetically, after which avg' = (avg*(N-1) + v) / N. Equivalent to an
// exponential recurrence with alpha = 1/N.
type wilderAvg struct {
	Period int     `json:"period"`
	Count  int     `json:"count"`
	Sum    float64 `json:"sum"`
	Avg    float64 `json:"avg"`
}

func newWilderAvg(period int) wilderAvg {
	return wilderAvg{Period: period}
}

// step feeds the next raw value. ok is false until the cold-start average of
// the first Period values is complete.
func (w *wilderAvg) step(v float64) (avg float64, ok bool) {
	w.Count++
	if w.Count <= w.Period {
		w.Sum += v
		if w.Count < w.Period {
			return 0, false
		}
		w.Avg = w.Sum / float64(w.Period)
		return w.Avg, true
	}
	w.Avg = (w.Avg*float64(w.Period-1) + v) / float64(w.Period)
	return w.Avg, true
}

func (w *wilderAvg) ready() bool {
	return w.Count >= w.Period
}

func (w *wilderAvg) reset() {
	w.Count = 0
	w.Sum = 0
	w.Avg = 0
}

// trueRange is Wilder's TR: the largest of high-low, |high-prevClose| and
// |low-prevClose|. Without a previous close it degrades to high-low.
func trueRange(high, low, prevClose float64, hasPrev bool) float64 {
	tr := high - low
	if !hasPrev {
		return tr
	}
	if v := math.Abs(high - prevClose); v > tr {
		tr = v
	}
	if v := math.Abs(low - prevClose); v > tr {
		tr = v
	}
	return tr
}
