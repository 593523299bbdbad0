package market

import "context"

// Source supplies base-interval candle history.
type Source interface {
	// GetCandles returns candles whose open times fall in [start, end),
	// ascending, without duplicate timestamps. The most recent interval may
	// be missing while it is still forming; fully elapsed intervals may also
	// be temporarily absent when the upstream lags.
	GetCandles(ctx context.Context, symbol string, start, end int64) ([]Candle, error)

	Close() error
}
