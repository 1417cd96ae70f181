package config

import (
	"fmt"
	"strings"

	"tradesim/internal/pkg/symbol"
)

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":9991"
	defaultAppLogPath       = "data/logs/tradesim.log"
	defaultAppSummaryDir    = "data/summaries"
	defaultCandleRoot       = "data/candles"
	defaultRecordsDriver    = "sqlite"
	defaultRecordsPath      = "data/tradesim.db"
	defaultRecordsBatch     = 200
	defaultExchangeName     = "binance"
	defaultExchangeREST     = "https://fapi.binance.com"
	defaultExchangeRate     = 1200
	defaultExchangeTimeout  = 15
	defaultSignalsWaitMs    = 0
	defaultRunnerConcurrent = 1
	defaultSessionTimeframe = "1m"
	defaultSessionMarket    = "futures"
	defaultFetchMinutes     = 1
	defaultStrategyName     = "sma_cross"
	defaultStrategyFast     = 9
	defaultStrategySlow     = 21
	defaultStrategyQuantity = 1
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Data.applyDefaults(keys)
	c.Records.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Signals.applyDefaults(keys)
	c.Runner.applyDefaults(keys)
	for i := range c.Sessions {
		c.Sessions[i].applyDefaults(i, c.Exchange.Name)
	}
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
		stringFieldDefault("app.summary_dir", &a.SummaryDir, defaultAppSummaryDir),
	)
}

func (d *DataConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("data.candle_root", &d.CandleRoot, defaultCandleRoot),
	)
}

func (r *RecordsConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("records.driver", &r.Driver, defaultRecordsDriver),
		stringFieldDefault("records.path", &r.Path, defaultRecordsPath),
		fieldDefault{
			key:   "records.batch_size",
			need:  func() bool { return r.BatchSize <= 0 },
			apply: func() { r.BatchSize = defaultRecordsBatch },
		},
	)
	r.Driver = strings.ToLower(strings.TrimSpace(r.Driver))
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	e.Proxy.normalize()
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultExchangeREST),
		fieldDefault{
			key:   "exchange.rate_limit_per_min",
			need:  func() bool { return e.RateLimitPerMin <= 0 },
			apply: func() { e.RateLimitPerMin = defaultExchangeRate },
		},
		fieldDefault{
			key:   "exchange.timeout_seconds",
			need:  func() bool { return e.TimeoutSeconds <= 0 },
			apply: func() { e.TimeoutSeconds = defaultExchangeTimeout },
		},
	)
	e.Name = strings.ToLower(strings.TrimSpace(e.Name))
}

func (s *SignalsConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "signals.wait_ms",
			need:  func() bool { return s.WaitMillis < 0 },
			apply: func() { s.WaitMillis = defaultSignalsWaitMs },
		},
	)
}

func (r *RunnerConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		fieldDefault{
			key:   "runner.max_concurrent",
			need:  func() bool { return r.MaxConcurrent <= 0 },
			apply: func() { r.MaxConcurrent = defaultRunnerConcurrent },
		},
	)
}

// sessions 是列表，keySet 无法区分单个元素，这里只按零值补齐。
func (s *SessionConfig) applyDefaults(idx int, exchange string) {
	if s == nil {
		return
	}
	s.Symbol = symbol.Normalize(s.Symbol)
	if strings.TrimSpace(s.Name) == "" {
		if s.Symbol != "" {
			s.Name = strings.ToLower(s.Symbol)
		} else {
			s.Name = fmt.Sprintf("session_%d", idx)
		}
	}
	if strings.TrimSpace(s.Timeframe) == "" {
		s.Timeframe = defaultSessionTimeframe
	}
	if strings.TrimSpace(s.Exchange) == "" {
		s.Exchange = exchange
	}
	if strings.TrimSpace(s.Market) == "" {
		s.Market = defaultSessionMarket
	}
	u := &s.UserDefined
	applyFieldDefaults(nil,
		fieldDefault{
			need:  func() bool { return u.FetchBalanceInterval <= 0 },
			apply: func() { u.FetchBalanceInterval = defaultFetchMinutes },
		},
		fieldDefault{
			need:  func() bool { return u.FetchOrdersInterval <= 0 },
			apply: func() { u.FetchOrdersInterval = defaultFetchMinutes },
		},
		fieldDefault{
			need:  func() bool { return u.FetchOrdersMinutesTimeSpan <= 0 },
			apply: func() { u.FetchOrdersMinutesTimeSpan = defaultFetchMinutes },
		},
	)
	st := &s.Strategy
	applyFieldDefaults(nil,
		stringFieldDefault("", &st.Name, defaultStrategyName),
		fieldDefault{
			need:  func() bool { return st.FastPeriod <= 0 },
			apply: func() { st.FastPeriod = defaultStrategyFast },
		},
		fieldDefault{
			need:  func() bool { return st.SlowPeriod <= 0 },
			apply: func() { st.SlowPeriod = defaultStrategySlow },
		},
		fieldDefault{
			need:  func() bool { return st.Quantity <= 0 },
			apply: func() { st.Quantity = defaultStrategyQuantity },
		},
	)
}

// Helper functions

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
