// Package app wires configuration into a runnable process: store, candle
// source, computations, engine, status API, and the optional update loop.
package app

import (
	"context"
	"fmt"
	"time"

	"indicore/internal/config"
	"indicore/internal/engine"
	"indicore/internal/gateway/binance"
	"indicore/internal/indicator"
	"indicore/internal/logger"
	"indicore/internal/market"
	"indicore/internal/scheduler"
	"indicore/internal/store/gormstore"
	statushttp "indicore/internal/transport/http/status"
)

type App struct {
	cfg          *config.Config
	store        *gormstore.GormStore
	source       *binance.Source
	engine       *engine.Engine
	computations []engine.Computation
}

func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	st, err := gormstore.New(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store failed: %w", err)
	}
	source := binance.New(binance.Config{
		RESTBaseURL:      cfg.Market.RESTBaseURL,
		HTTPTimeout:      time.Duration(cfg.Market.TimeoutSeconds) * time.Second,
		BreakerThreshold: cfg.Market.BreakerThreshold,
		BreakerCooldown:  time.Duration(cfg.Market.BreakerCooldownSeconds) * time.Second,
	})
	comps, err := buildComputations(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}
	startMs, err := cfg.Engine.StartMillis()
	if err != nil {
		st.Close()
		return nil, err
	}
	eng := engine.New(source, st, engine.Options{
		BatchSpan:             time.Duration(cfg.Engine.BatchSpanHours) * time.Hour,
		SettleBars:            cfg.Engine.SettleBars,
		GapHealHorizon:        time.Duration(cfg.Engine.GapHealHorizonHours) * time.Hour,
		StartTime:             startMs,
		SingleStageMultiplier: cfg.Engine.SingleStageMultiplier,
		DoubleStageMultiplier: cfg.Engine.DoubleStageMultiplier,
		MaxRetries:            cfg.Engine.MaxRetries,
		RetryBaseDelay:        time.Duration(cfg.Engine.RetryBaseDelayMS) * time.Millisecond,
	})
	return &App{
		cfg:          cfg,
		store:        st,
		source:       source,
		engine:       eng,
		computations: comps,
	}, nil
}

// buildComputations expands symbols x timeframes x indicators into
// computations, each with its own kernel instance. Kernels hold recursion
// state, so sharing one across keys would corrupt both.
func buildComputations(cfg *config.Config) ([]engine.Computation, error) {
	comps := make([]engine.Computation, 0, len(cfg.Engine.Symbols)*len(cfg.Engine.Timeframes)*len(cfg.Indicators))
	for _, sym := range cfg.Engine.Symbols {
		for _, tfKey := range cfg.Engine.Timeframes {
			tf, err := market.ParseTimeframe(tfKey)
			if err != nil {
				return nil, err
			}
			for _, ind := range cfg.Indicators {
				kernel, err := indicator.New(indicator.Spec{Family: ind.Family, Params: ind.Params})
				if err != nil {
					return nil, fmt.Errorf("indicator %s: %w", ind.Family, err)
				}
				comps = append(comps, engine.Computation{Symbol: sym, Timeframe: tf, Kernel: kernel})
			}
		}
	}
	return comps, nil
}

// Run migrates the schema, executes one pass in the given mode, and then
// either exits (one-shot) or keeps updating on schedule boundaries while the
// status API serves. The returned error is non-nil when any key failed.
func (a *App) Run(ctx context.Context, mode engine.Mode) error {
	defer a.Close()

	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	results := a.engine.RunAll(ctx, a.computations, mode, a.cfg.Engine.Parallelism)
	failed := countFailed(results)
	logger.Infof("pass complete: keys=%d failed=%d", len(results), failed)

	if !a.cfg.Schedule.Enabled {
		if failed > 0 {
			return fmt.Errorf("%d of %d keys failed", failed, len(results))
		}
		return nil
	}

	srv, err := statushttp.NewServer(statushttp.ServerConfig{
		Addr:         a.cfg.App.HTTPAddr,
		Engine:       a.engine,
		Computations: a.computations,
	})
	if err != nil {
		return err
	}
	go func() {
		if serr := srv.Start(ctx); serr != nil {
			logger.Errorf("status http server: %v", serr)
		}
	}()
	logger.Infof("status API listening on %s", srv.Addr())

	interval, err := market.ParseTimeframe(a.cfg.Schedule.Interval)
	if err != nil {
		return err
	}
	sched := scheduler.NewAlignedScheduler(ctx, interval.Duration,
		time.Duration(a.cfg.Schedule.OffsetSeconds)*time.Second)
	sched.Start(func() {
		res := a.engine.RunAll(ctx, a.computations, engine.ModeUpdate, a.cfg.Engine.Parallelism)
		if n := countFailed(res); n > 0 {
			logger.Warnf("scheduled pass: %d of %d keys failed", n, len(res))
		}
	})
	return nil
}

func countFailed(results []engine.RunResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.source != nil {
		_ = a.source.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}
