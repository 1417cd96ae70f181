package tradingsystem

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"tradesim/internal/records"
	"tradesim/internal/simulation"
)

const (
	NameSMACross = "sma_cross"

	defaultFastPeriod = 9
	defaultSlowPeriod = 21
	defaultOrderTTL   = 3
	defaultMaxOpen    = 1
)

var defaultInitialCash = decimal.NewFromInt(10000)

// Config 描述单个会话的策略参数。
type Config struct {
	Name            string
	RunID           string
	Session         string
	Symbol          string
	FastPeriod      int
	SlowPeriod      int
	Quantity        decimal.Decimal
	InitialCash     decimal.Decimal
	MaxOpenOrders   int
	OrderTTL        int // 未成交订单在 First 周期被撤销前可存活的 K 线数
	StopAfterTrades int
	MaxDrawdownPct  float64
}

func (c Config) withDefaults() Config {
	out := c
	out.Name = strings.ToLower(strings.TrimSpace(out.Name))
	if out.Name == "" {
		out.Name = NameSMACross
	}
	out.Symbol = strings.ToUpper(strings.TrimSpace(out.Symbol))
	if out.FastPeriod <= 0 {
		out.FastPeriod = defaultFastPeriod
	}
	if out.SlowPeriod <= 0 {
		out.SlowPeriod = defaultSlowPeriod
	}
	if out.InitialCash.LessThanOrEqual(decimal.Zero) {
		out.InitialCash = defaultInitialCash
	}
	if out.MaxOpenOrders <= 0 {
		out.MaxOpenOrders = defaultMaxOpen
	}
	if out.OrderTTL <= 0 {
		out.OrderTTL = defaultOrderTTL
	}
	return out
}

func (c Config) validate() error {
	if c.FastPeriod >= c.SlowPeriod {
		return fmt.Errorf("strategy fast_period(%d) must be < slow_period(%d)", c.FastPeriod, c.SlowPeriod)
	}
	if c.Quantity.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("strategy quantity must be > 0")
	}
	if c.StopAfterTrades < 0 {
		return fmt.Errorf("strategy stop_after_trades must be >= 0")
	}
	if c.MaxDrawdownPct < 0 || c.MaxDrawdownPct > 100 {
		return fmt.Errorf("strategy max_drawdown_pct must be in [0,100]")
	}
	return nil
}

// Build 按名称创建交易系统。
func Build(cfg Config, buf *records.Buffer) (simulation.TradingSystem, error) {
	final := cfg.withDefaults()
	switch final.Name {
	case NameSMACross:
		return NewSMACross(final, buf)
	default:
		return nil, fmt.Errorf("unknown strategy: %s", cfg.Name)
	}
}
