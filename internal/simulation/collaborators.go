package simulation

import (
	"bytes"
	"context"

	"tradesim/internal/market"
)

// TradingSystem 是策略引擎接缝，First/Second 的创建与撤单约束由实现方依据 Cycle.Phase 执行。
type TradingSystem interface {
	Run(ctx context.Context, cycle Cycle) error
	Reset(ctx context.Context) error
	UpdateChart(ctx context.Context, chart market.Chart, exchange, market string) error
	Maintain(ctx context.Context) error
	// CheckStop 是策略层的提前停止条件，返回是否停止与原因。
	CheckStop(ctx context.Context) (bool, string)
}

// Payload 是交易所原始 JSON 响应。
type Payload []byte

// Empty 报告响应是否视为"无数据"。
func (p Payload) Empty() bool {
	trimmed := bytes.TrimSpace(p)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

type ExchangeAPI interface {
	FetchAllBalances(ctx context.Context) (Payload, error)
	GetOrderHistory(ctx context.Context, symbol string, since int64, limit int, params map[string]any) (Payload, error)
}

// IncomingSignals 返回 false 表示该 K 线的信号尚未到达。
type IncomingSignals interface {
	Sync(ctx context.Context, system TradingSystem, candleIndex int) (bool, error)
}

type OutgoingSignals interface {
	Sync(ctx context.Context, system TradingSystem, candle market.Candle) error
}

type PortfolioManager interface {
	SyncEntry(ctx context.Context, system TradingSystem, candle market.Candle) error
	SyncExit(ctx context.Context, system TradingSystem, candle market.Candle) error
}

// TradingRecords 是只追加的记录输出，每次调用幂等。
type TradingRecords interface {
	AppendRecords(ctx context.Context) error
}

type noopIncoming struct{}

func (noopIncoming) Sync(context.Context, TradingSystem, int) (bool, error) { return true, nil }

type noopOutgoing struct{}

func (noopOutgoing) Sync(context.Context, TradingSystem, market.Candle) error { return nil }

type noopPortfolio struct{}

func (noopPortfolio) SyncEntry(context.Context, TradingSystem, market.Candle) error { return nil }
func (noopPortfolio) SyncExit(context.Context, TradingSystem, market.Candle) error  { return nil }

type noopRecords struct{}

func (noopRecords) AppendRecords(context.Context) error { return nil }
