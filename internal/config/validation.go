package config

import (
	"fmt"
	"strings"

	"tradesim/internal/market"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Records.validate(); err != nil {
		return err
	}
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Signals.validate(); err != nil {
		return err
	}
	if err := c.Runner.validate(); err != nil {
		return err
	}
	if len(c.Sessions) == 0 {
		return fmt.Errorf("sessions requires at least one session")
	}
	seen := make(map[string]bool, len(c.Sessions))
	for i := range c.Sessions {
		s := &c.Sessions[i]
		key := strings.ToLower(s.Name)
		if seen[key] {
			return fmt.Errorf("duplicate session name: %s", s.Name)
		}
		seen[key] = true
		if err := s.validate(); err != nil {
			return fmt.Errorf("sessions.%s: %w", s.Name, err)
		}
	}
	for _, s := range c.Sessions {
		fwd := strings.TrimSpace(s.Signals.ForwardTo)
		if fwd == "" {
			continue
		}
		if !c.Signals.Enabled {
			return fmt.Errorf("sessions.%s: signals.forward_to requires signals.enabled", s.Name)
		}
		if !seen[strings.ToLower(fwd)] {
			return fmt.Errorf("sessions.%s: forward_to unknown session %s", s.Name, fwd)
		}
	}
	return nil
}

func (r *RecordsConfig) validate() error {
	switch r.Driver {
	case "sqlite":
		if strings.TrimSpace(r.Path) == "" {
			return fmt.Errorf("records.path cannot be empty for sqlite")
		}
	case "postgres":
		if strings.TrimSpace(r.DSN) == "" {
			return fmt.Errorf("records.dsn cannot be empty for postgres")
		}
	default:
		return fmt.Errorf("records.driver only supports sqlite|postgres, got %s", r.Driver)
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("records.batch_size must be > 0")
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if e.Name != "binance" {
		return fmt.Errorf("exchange.name only supports 'binance', got %s", e.Name)
	}
	if e.RateLimitPerMin <= 0 {
		return fmt.Errorf("exchange.rate_limit_per_min must be > 0")
	}
	if e.TimeoutSeconds <= 0 {
		return fmt.Errorf("exchange.timeout_seconds must be > 0")
	}
	if e.Proxy.Enabled && e.Proxy.RESTURL == "" {
		return fmt.Errorf("exchange.proxy enabled but no rest_url")
	}
	return nil
}

func (s *SignalsConfig) validate() error {
	if s.WaitMillis < 0 {
		return fmt.Errorf("signals.wait_ms must be >= 0")
	}
	return nil
}

func (r *RunnerConfig) validate() error {
	if r.MaxConcurrent <= 0 {
		return fmt.Errorf("runner.max_concurrent must be > 0")
	}
	return nil
}

func (s *SessionConfig) validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if _, err := market.ParseTimeframe(s.Timeframe); err != nil {
		return err
	}
	if s.StartIndex < 0 {
		return fmt.Errorf("start_index must be >= 0")
	}
	if s.MaxGapCandles < 0 {
		return fmt.Errorf("max_gap_candles must be >= 0")
	}
	initial, final, err := s.TimeRange.Bounds()
	if err != nil {
		return err
	}
	if !initial.IsZero() && !final.IsZero() && !final.After(initial) {
		return fmt.Errorf("time_range.final_datetime must be after initial_datetime")
	}
	st := s.Strategy
	if st.FastPeriod >= st.SlowPeriod {
		return fmt.Errorf("strategy.fast_period must be < strategy.slow_period")
	}
	if st.MaxDrawdownPct < 0 || st.MaxDrawdownPct > 100 {
		return fmt.Errorf("strategy.max_drawdown_pct must be in [0,100]")
	}
	if st.StopAfterTrades < 0 {
		return fmt.Errorf("strategy.stop_after_trades must be >= 0")
	}
	return nil
}
