package config

import (
	"fmt"
	"strings"
	"time"

	"indicore/internal/market"
)

func validate(c *Config) error {
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Schedule.validate(); err != nil {
		return err
	}
	if len(c.Indicators) == 0 {
		return fmt.Errorf("indicators requires at least one entry")
	}
	for i, ind := range c.Indicators {
		if strings.TrimSpace(ind.Family) == "" {
			return fmt.Errorf("indicators[%d] missing family", i)
		}
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if len(e.Symbols) == 0 {
		return fmt.Errorf("engine.symbols requires at least one symbol")
	}
	for _, sym := range e.Symbols {
		if strings.TrimSpace(sym) == "" {
			return fmt.Errorf("engine.symbols contains an empty symbol")
		}
	}
	if len(e.Timeframes) == 0 {
		return fmt.Errorf("engine.timeframes requires at least one timeframe")
	}
	for _, tf := range e.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("engine.timeframes: %w", err)
		}
	}
	if _, err := e.StartMillis(); err != nil {
		return err
	}
	return nil
}

func (s *ScheduleConfig) validate() error {
	if !s.Enabled {
		return nil
	}
	tf, err := market.ParseTimeframe(s.Interval)
	if err != nil {
		return fmt.Errorf("schedule.interval: %w", err)
	}
	if time.Duration(s.OffsetSeconds)*time.Second >= tf.Duration {
		return fmt.Errorf("schedule.offset_seconds must be shorter than schedule.interval")
	}
	return nil
}
