package simulation

import (
	"context"
	"fmt"

	"tradesim/internal/logger"
	"tradesim/internal/market"
)

// SignalSync 在周期前同步入站信号、在每个出口路径上发送出站信号。
type SignalSync struct {
	session  string
	incoming IncomingSignals
	outgoing OutgoingSignals
	log      logger.Module
	metrics  *Metrics
}

// SyncIncoming 返回 false 表示信号未按时到达；调用错误同样视为未到达。
func (s SignalSync) SyncIncoming(ctx context.Context, system TradingSystem, candleIndex int) bool {
	ok, err := s.incoming.Sync(ctx, system, candleIndex)
	if err != nil {
		s.log.Warnf("incoming signals sync failed at candle %d: %v", candleIndex, err)
		ok = false
	}
	if !ok {
		s.metrics.lateSignal(s.session)
	}
	return ok
}

func (s SignalSync) SyncOutgoing(ctx context.Context, system TradingSystem, candle market.Candle) error {
	if err := s.outgoing.Sync(ctx, system, candle); err != nil {
		return fmt.Errorf("outgoing signals sync at candle %d: %w", candle.Index, err)
	}
	return nil
}

// PortfolioSync 在 K 线进入与退出时向组合管理器签入/签出。
type PortfolioSync struct {
	manager PortfolioManager
}

func (p PortfolioSync) SyncEntry(ctx context.Context, system TradingSystem, candle market.Candle) error {
	if err := p.manager.SyncEntry(ctx, system, candle); err != nil {
		return fmt.Errorf("portfolio entry sync at candle %d: %w", candle.Index, err)
	}
	return nil
}

func (p PortfolioSync) SyncExit(ctx context.Context, system TradingSystem, candle market.Candle) error {
	if err := p.manager.SyncExit(ctx, system, candle); err != nil {
		return fmt.Errorf("portfolio exit sync at candle %d: %w", candle.Index, err)
	}
	return nil
}
