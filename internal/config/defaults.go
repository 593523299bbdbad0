package config

import "strings"

const (
	defaultAppEnv              = "dev"
	defaultAppLogLevel         = "info"
	defaultAppHTTPAddr         = ":9991"
	defaultAppLogPath          = "/data/logs/indicore.log"
	defaultStoragePath         = "/data/db/indicore.db"
	defaultMarketREST          = "https://fapi.binance.com"
	defaultMarketTimeout       = 15
	defaultBreakerThreshold    = 5
	defaultBreakerCooldown     = 30
	defaultEngineBatchSpan     = 24
	defaultEngineSettleBars    = 2
	defaultEngineHealHorizon   = 48
	defaultEngineParallelism   = 4
	defaultEngineMaxRetries    = 5
	defaultEngineRetryDelayMS  = 200
	defaultSingleStageMult     = 5
	defaultDoubleStageMult     = 4
	defaultScheduleInterval    = "1m"
	defaultScheduleOffsetSecs  = 5
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Storage.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Schedule.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (s *StorageConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("storage.path", &s.Path, defaultStoragePath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		fieldDefault{
			key:   "market.timeout_seconds",
			need:  func() bool { return m.TimeoutSeconds <= 0 },
			apply: func() { m.TimeoutSeconds = defaultMarketTimeout },
		},
		fieldDefault{
			key:   "market.breaker_threshold",
			need:  func() bool { return m.BreakerThreshold <= 0 },
			apply: func() { m.BreakerThreshold = defaultBreakerThreshold },
		},
		fieldDefault{
			key:   "market.breaker_cooldown_seconds",
			need:  func() bool { return m.BreakerCooldownSeconds <= 0 },
			apply: func() { m.BreakerCooldownSeconds = defaultBreakerCooldown },
		},
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "engine.batch_span_hours",
			need:  func() bool { return e.BatchSpanHours <= 0 },
			apply: func() { e.BatchSpanHours = defaultEngineBatchSpan },
		},
		fieldDefault{
			key:   "engine.settle_bars",
			need:  func() bool { return e.SettleBars <= 0 },
			apply: func() { e.SettleBars = defaultEngineSettleBars },
		},
		fieldDefault{
			key:   "engine.gap_heal_horizon_hours",
			need:  func() bool { return e.GapHealHorizonHours <= 0 },
			apply: func() { e.GapHealHorizonHours = defaultEngineHealHorizon },
		},
		fieldDefault{
			key:   "engine.parallelism",
			need:  func() bool { return e.Parallelism <= 0 },
			apply: func() { e.Parallelism = defaultEngineParallelism },
		},
		fieldDefault{
			key:   "engine.max_retries",
			need:  func() bool { return e.MaxRetries <= 0 },
			apply: func() { e.MaxRetries = defaultEngineMaxRetries },
		},
		fieldDefault{
			key:   "engine.retry_base_delay_ms",
			need:  func() bool { return e.RetryBaseDelayMS <= 0 },
			apply: func() { e.RetryBaseDelayMS = defaultEngineRetryDelayMS },
		},
		fieldDefault{
			key:   "engine.single_stage_multiplier",
			need:  func() bool { return e.SingleStageMultiplier <= 0 },
			apply: func() { e.SingleStageMultiplier = defaultSingleStageMult },
		},
		fieldDefault{
			key:   "engine.double_stage_multiplier",
			need:  func() bool { return e.DoubleStageMultiplier <= 0 },
			apply: func() { e.DoubleStageMultiplier = defaultDoubleStageMult },
		},
	)
}

func (s *ScheduleConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("schedule.interval", &s.Interval, defaultScheduleInterval),
		fieldDefault{
			key:   "schedule.offset_seconds",
			need:  func() bool { return s.OffsetSeconds <= 0 },
			apply: func() { s.OffsetSeconds = defaultScheduleOffsetSecs },
		},
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
