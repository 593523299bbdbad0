// Package binance implements market.Source on the Binance futures REST API.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"indicore/internal/market"
	"indicore/internal/pkg/circuit"
)

// maxKlinesPerRequest is the Binance REST page limit.
const maxKlinesPerRequest = 1500

// unclosedGrace keeps a just-closed candle out of results until the exchange
// has had a moment to finalize it.
const unclosedGrace = 10 * time.Second

// Source fetches base-interval candles over REST. A circuit breaker guards
// against hammering a flapping upstream.
type Source struct {
	cfg     Config
	client  *futures.Client
	breaker *circuit.CircuitBreaker
	nowFn   func() time.Time
}

func New(cfg Config) *Source {
	final := cfg.withDefaults()
	client := futures.NewClient("", "")
	client.BaseURL = strings.TrimSpace(final.RESTBaseURL)
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Source{
		cfg:     final,
		client:  client,
		breaker: circuit.NewCircuitBreaker("binance-rest", final.BreakerThreshold, final.BreakerCooldown),
		nowFn:   time.Now,
	}
}

// GetCandles returns 1m candles with open times in [start, end), ascending,
// paging past the REST limit. The still-forming candle is dropped.
func (s *Source) GetCandles(ctx context.Context, symbol string, start, end int64) ([]market.Candle, error) {
	symbol = toExchangeSymbol(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}
	if end <= start {
		return nil, nil
	}
	out := make([]market.Candle, 0, (end-start)/market.BaseInterval.Milliseconds())
	cursor := start
	for cursor < end {
		batch, err := s.fetchPage(ctx, symbol, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		out = append(out, batch...)
		next := batch[len(batch)-1].OpenTime + market.BaseInterval.Milliseconds()
		if next <= cursor {
			break
		}
		cursor = next
	}
	return dropUnclosed(out, s.nowFn().UTC()), nil
}

func (s *Source) fetchPage(ctx context.Context, symbol string, start, end int64) ([]market.Candle, error) {
	if !s.breaker.Allow() {
		return nil, fmt.Errorf("binance: circuit open for kline fetch")
	}
	kls, err := s.client.NewKlinesService().
		Symbol(symbol).
		Interval("1m").
		StartTime(start).
		EndTime(end - 1).
		Limit(maxKlinesPerRequest).
		Do(ctx)
	if err != nil {
		s.breaker.RecordFailure()
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	s.breaker.RecordSuccess()
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil || kl.OpenTime < start || kl.OpenTime >= end {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return out, nil
}

func (s *Source) Close() error { return nil }

// dropUnclosed drops the last candle if its interval has not elapsed (plus a
// small grace period). Binance returns the in-progress kline as a live row.
func dropUnclosed(candles []market.Candle, now time.Time) []market.Candle {
	if len(candles) == 0 {
		return candles
	}
	last := candles[len(candles)-1]
	closeMs := last.OpenTime + market.BaseInterval.Milliseconds()
	if now.UnixMilli() < closeMs+unclosedGrace.Milliseconds() {
		return candles[:len(candles)-1]
	}
	return candles
}

// toExchangeSymbol strips separators: "ETH/USDT" -> "ETHUSDT".
func toExchangeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	symbol = strings.ReplaceAll(symbol, "/", "")
	return strings.ReplaceAll(symbol, "-", "")
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

var _ market.Source = (*Source)(nil)
