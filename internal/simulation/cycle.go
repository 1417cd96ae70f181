package simulation

import (
	"context"
	"fmt"

	"tradesim/internal/logger"
)

// CyclePhase 是进入交易系统的窄接缝：设置周期、重置临时结构、调用 Run。
type CyclePhase struct {
	session string
	system  TradingSystem
	log     logger.Module
	metrics *Metrics
}

func (c CyclePhase) Run(ctx context.Context, state *EpisodeState, phase Phase) error {
	state.Cycle.Phase = phase
	if err := c.system.Reset(ctx); err != nil {
		return fmt.Errorf("reset trading system before %s cycle: %w", phase, err)
	}
	state.resetCycle(phase)
	c.log.Debugf("%s", state.Cycle.Info)
	if err := c.system.Run(ctx, state.Cycle); err != nil {
		return fmt.Errorf("%s cycle at candle %d: %w", phase, state.CandleIndex, err)
	}
	switch phase {
	case PhaseFirst:
		state.Counters.FirstCycles++
	case PhaseSecond:
		state.Counters.SecondCycles++
	}
	c.metrics.cycle(c.session, phase)
	return nil
}
