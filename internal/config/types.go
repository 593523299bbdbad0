package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the top-level configuration carrier.
type Config struct {
	App        AppConfig         `toml:"app"`
	Storage    StorageConfig     `toml:"storage"`
	Market     MarketConfig      `toml:"market"`
	Engine     EngineConfig      `toml:"engine"`
	Schedule   ScheduleConfig    `toml:"schedule"`
	Indicators []IndicatorConfig `toml:"indicators"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

type StorageConfig struct {
	Path string `toml:"path"`
}

type MarketConfig struct {
	RESTBaseURL            string `toml:"rest_base_url"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

// EngineConfig drives batch sizing, retries, and the key universe
// (symbols x timeframes x indicators).
type EngineConfig struct {
	Symbols               []string `toml:"symbols"`
	Timeframes            []string `toml:"timeframes"`
	Start                 string   `toml:"start"`
	BatchSpanHours        int      `toml:"batch_span_hours"`
	SettleBars            int      `toml:"settle_bars"`
	GapHealHorizonHours   int      `toml:"gap_heal_horizon_hours"`
	Parallelism           int      `toml:"parallelism"`
	MaxRetries            int      `toml:"max_retries"`
	RetryBaseDelayMS      int      `toml:"retry_base_delay_ms"`
	SingleStageMultiplier int      `toml:"single_stage_multiplier"`
	DoubleStageMultiplier int      `toml:"double_stage_multiplier"`
}

// StartMillis parses engine.start (RFC3339) into epoch milliseconds.
func (e EngineConfig) StartMillis() (int64, error) {
	raw := strings.TrimSpace(e.Start)
	if raw == "" {
		return 0, fmt.Errorf("engine.start is required")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("engine.start must be RFC3339: %w", err)
	}
	return t.UnixMilli(), nil
}

// ScheduleConfig controls the continuous update loop. When disabled the
// process runs one pass and exits.
type ScheduleConfig struct {
	Enabled       bool   `toml:"enabled"`
	Interval      string `toml:"interval"`
	OffsetSeconds int    `toml:"offset_seconds"`
}

// IndicatorConfig selects one kernel family and its parameters, e.g.
// {family: macd, params: {fast: 12, slow: 26, signal: 9}}.
type IndicatorConfig struct {
	Family string         `toml:"family"`
	Params map[string]any `toml:"params"`
}

type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
