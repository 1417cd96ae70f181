package simulation

import "tradesim/internal/market"

// Phase 是单根 K 线内的两个周期之一。
// First 只允许撤单与观察成交；Second 只允许在 First 释放的槽位上新建订单。
type Phase int

const (
	PhaseNone Phase = iota
	PhaseFirst
	PhaseSecond
)

func (p Phase) String() string {
	switch p {
	case PhaseFirst:
		return "First"
	case PhaseSecond:
		return "Second"
	default:
		return "None"
	}
}

func (p Phase) AllowsCreate() bool { return p == PhaseSecond }
func (p Phase) AllowsCancel() bool { return p == PhaseFirst }

// Cycle 是交给 TradingSystem.Run 的当前周期快照。
type Cycle struct {
	Phase        Phase
	CandleIndex  int
	Candle       market.Candle
	HeadOfMarket bool
	Info         string
}
