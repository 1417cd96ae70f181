package signals

import (
	"context"
	"fmt"
	"time"

	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/simulation"
)

// Incoming 把 Hub 中的信号交给交易系统。
// Expect 为 false 时信号只是顺带投递，永远视为准时。
type Incoming struct {
	Hub     *Hub
	Session string
	Expect  bool
	Wait    time.Duration

	log logger.Module
}

var _ simulation.IncomingSignals = (*Incoming)(nil)

func NewIncoming(hub *Hub, session string, expect bool, wait time.Duration) *Incoming {
	return &Incoming{Hub: hub, Session: session, Expect: expect, Wait: wait, log: logger.Named("Signals")}
}

func (in *Incoming) Sync(ctx context.Context, system simulation.TradingSystem, candleIndex int) (bool, error) {
	if in == nil || in.Hub == nil {
		return true, nil
	}
	var (
		list  []Signal
		ready bool
	)
	if in.Expect && in.Wait > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, in.Wait)
		list, ready = in.Hub.Wait(waitCtx, in.Session, candleIndex)
		cancel()
	} else {
		list, ready = in.Hub.Take(in.Session, candleIndex)
	}
	if len(list) > 0 {
		recv, ok := system.(Receiver)
		if !ok {
			in.log.Warnf("session %s: dropped %d signals, trading system cannot receive", in.Session, len(list))
		} else if err := recv.ReceiveSignals(ctx, list); err != nil {
			return false, fmt.Errorf("deliver signals: %w", err)
		}
	}
	if !in.Expect {
		return true, nil
	}
	return ready, nil
}

// Outgoing 在每根 K 线退出时发布交易系统产生的信号。
type Outgoing struct {
	Session   string
	Publisher Publisher
}

var _ simulation.OutgoingSignals = (*Outgoing)(nil)

func NewOutgoing(session string, pub Publisher) *Outgoing {
	return &Outgoing{Session: session, Publisher: pub}
}

func (out *Outgoing) Sync(ctx context.Context, system simulation.TradingSystem, candle market.Candle) error {
	if out == nil || out.Publisher == nil {
		return nil
	}
	em, ok := system.(Emitter)
	if !ok {
		return nil
	}
	for _, sig := range em.DrainSignals() {
		if sig.Session == "" {
			sig.Session = out.Session
		}
		if sig.CandleIndex == 0 {
			sig.CandleIndex = candle.Index
		}
		if sig.Time == 0 {
			sig.Time = candle.CloseTime
		}
		if err := out.Publisher.Publish(ctx, sig); err != nil {
			return fmt.Errorf("publish signal %s: %w", sig.Kind, err)
		}
	}
	return nil
}
