package config

import (
	"fmt"
	"strings"
	"time"
)

// Config 是 tradesim 的主配置载体。
type Config struct {
	App      AppConfig       `toml:"app"`
	Data     DataConfig      `toml:"data"`
	Records  RecordsConfig   `toml:"records"`
	Exchange ExchangeConfig  `toml:"exchange"`
	Signals  SignalsConfig   `toml:"signals"`
	Runner   RunnerConfig    `toml:"runner"`
	Sessions []SessionConfig `toml:"sessions"`
}

type AppConfig struct {
	Env        string `toml:"env"`
	LogLevel   string `toml:"log_level"`
	HTTPAddr   string `toml:"http_addr"`
	LogPath    string `toml:"log_path"`
	SummaryDir string `toml:"summary_dir"`
}

// DataConfig 指向本地 K 线库（每个 symbol@timeframe 一个 sqlite 文件）。
type DataConfig struct {
	CandleRoot string `toml:"candle_root"`
}

// RecordsConfig 决定交易记录与运行状态写到哪里。
type RecordsConfig struct {
	Driver    string `toml:"driver"` // "sqlite" | "postgres"
	Path      string `toml:"path"`
	DSN       string `toml:"dsn"`
	BatchSize int    `toml:"batch_size"`
}

type ExchangeConfig struct {
	Name            string      `toml:"name"`
	APIKey          string      `toml:"api_key"`
	APISecret       string      `toml:"api_secret"`
	RESTBaseURL     string      `toml:"rest_base_url"`
	RateLimitPerMin int         `toml:"rate_limit_per_min"`
	TimeoutSeconds  int         `toml:"timeout_seconds"`
	Proxy           ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

type SignalsConfig struct {
	Enabled    bool   `toml:"enabled"`
	SchemaPath string `toml:"schema_path"`
	WaitMillis int    `toml:"wait_ms"`
}

type RunnerConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
}

// SessionConfig 描述一次回测会话。
type SessionConfig struct {
	Name          string               `toml:"name"`
	Symbol        string               `toml:"symbol"`
	Timeframe     string               `toml:"timeframe"`
	Exchange      string               `toml:"exchange"`
	Market        string               `toml:"market"`
	StartIndex    int                  `toml:"start_index"`
	MaxGapCandles int                  `toml:"max_gap_candles"`
	TimeRange     TimeRangeConfig      `toml:"time_range"`
	UserDefined   UserDefinedConfig    `toml:"user_defined"`
	Strategy      StrategyConfig       `toml:"strategy"`
	Signals       SessionSignalsConfig `toml:"signals"`
}

type TimeRangeConfig struct {
	InitialDatetime string `toml:"initial_datetime"`
	FinalDatetime   string `toml:"final_datetime"`
}

// UserDefinedConfig 对应会话的交易所拉取参数，单位为分钟。
type UserDefinedConfig struct {
	FetchBalance               bool    `toml:"fetch_balance"`
	FetchBalanceInterval       float64 `toml:"fetch_balance_interval"`
	FetchOrders                bool    `toml:"fetch_orders"`
	FetchOrdersInterval        float64 `toml:"fetch_orders_interval"`
	FetchOrdersMinutesTimeSpan float64 `toml:"fetch_orders_minutes_time_span"`
	BalanceProgressPath        string  `toml:"balance_progress_path"`
}

type StrategyConfig struct {
	Name            string  `toml:"name"`
	FastPeriod      int     `toml:"fast_period"`
	SlowPeriod      int     `toml:"slow_period"`
	Quantity        float64 `toml:"quantity"`
	InitialCash     float64 `toml:"initial_cash"`
	MaxOpenOrders   int     `toml:"max_open_orders"`
	OrderTTL        int     `toml:"order_ttl"`
	StopAfterTrades int     `toml:"stop_after_trades"`
	MaxDrawdownPct  float64 `toml:"max_drawdown_pct"`
}

// SessionSignalsConfig：expect 表示每根 K 线都应等待入站信号；forward_to 把出站信号转投其他会话。
type SessionSignalsConfig struct {
	Expect    bool   `toml:"expect"`
	ForwardTo string `toml:"forward_to"`
}

var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseDatetime 解析配置中的时间（无时区时按 UTC），空串返回零值。
func ParseDatetime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range datetimeLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", raw)
}

// Bounds 返回解析后的起止时间。
func (t TimeRangeConfig) Bounds() (time.Time, time.Time, error) {
	initial, err := ParseDatetime(t.InitialDatetime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("initial_datetime: %w", err)
	}
	final, err := ParseDatetime(t.FinalDatetime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("final_datetime: %w", err)
	}
	return initial, final, nil
}

// Session 按名称查找会话配置。
func (c *Config) Session(name string) (SessionConfig, bool) {
	name = strings.TrimSpace(name)
	for _, s := range c.Sessions {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return SessionConfig{}, false
}

// keySet 用于追踪配置文件中显式设置的字段路径。
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

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
