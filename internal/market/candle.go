package market

// Candle is one base-interval OHLCV candle. Times are milliseconds since
// epoch; OpenTime is the start of the interval.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Bar is a derived-timeframe candle built from base candles. Unlike Candle,
// a Bar is labeled by the *end* of its interval: a Bar with Time T and period
// P covers the base candles whose open times fall in [T-P, T). A 1h bar
// stamped 15:00 is built from the 14:00..14:59 minute candles.
type Bar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Count  int     `json:"count"`
}
