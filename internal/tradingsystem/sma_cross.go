package tradingsystem

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"

	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/records"
	"tradesim/internal/signals"
	"tradesim/internal/simulation"
)

const (
	sideBuy  = "buy"
	sideSell = "sell"
)

type order struct {
	id       string
	side     string
	price    decimal.Decimal
	quantity decimal.Decimal
	created  int
}

// SMACross 是均线交叉参考策略，只做多。
// UpdateChart 计算交叉方向；First 周期撮合并撤销过期订单；Second 周期按交叉或外部信号下单。
type SMACross struct {
	cfg Config
	buf *records.Buffer
	log logger.Module

	chart  market.Chart
	cross  string
	orders []*order

	position decimal.Decimal
	cash     decimal.Decimal
	peak     decimal.Decimal
	drawdown float64
	trades   int

	inbox  []signals.Signal
	outbox []signals.Signal

	// 单个周期内的临时状态，由 Reset 清空
	created  int
	canceled int
	filled   int
}

var (
	_ simulation.TradingSystem = (*SMACross)(nil)
	_ signals.Receiver         = (*SMACross)(nil)
	_ signals.Emitter          = (*SMACross)(nil)
)

func NewSMACross(cfg Config, buf *records.Buffer) (*SMACross, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if buf == nil {
		buf = records.NewBuffer()
	}
	return &SMACross{
		cfg:      cfg,
		buf:      buf,
		log:      logger.Named("SMACross"),
		position: decimal.Zero,
		cash:     cfg.InitialCash,
		peak:     cfg.InitialCash,
	}, nil
}

func (s *SMACross) UpdateChart(_ context.Context, chart market.Chart, exchange, mkt string) error {
	s.chart = chart
	s.cross = ""
	closes := chart.Closes()
	n := len(closes)
	if n < s.cfg.SlowPeriod+1 {
		return nil
	}
	fast := talib.Sma(closes, s.cfg.FastPeriod)
	slow := talib.Sma(closes, s.cfg.SlowPeriod)
	prev := fast[n-2] - slow[n-2]
	cur := fast[n-1] - slow[n-1]
	if math.IsNaN(prev) || math.IsNaN(cur) {
		return nil
	}
	switch {
	case prev <= 0 && cur > 0:
		s.cross = sideBuy
	case prev >= 0 && cur < 0:
		s.cross = sideSell
	}
	if s.cross != "" {
		s.log.Debugf("%s %s@%s/%s crossover %s at candle %d", s.cfg.Session, chart.Symbol, exchange, mkt, s.cross, chart.Index)
	}
	return nil
}

// Maintain 按最新收盘价更新权益峰值与回撤。
func (s *SMACross) Maintain(context.Context) error {
	last, ok := s.chart.Last()
	if !ok {
		return nil
	}
	equity := s.equity(last.Close)
	if equity.GreaterThan(s.peak) {
		s.peak = equity
	}
	if s.peak.IsPositive() {
		dd, _ := s.peak.Sub(equity).Div(s.peak).Mul(decimal.NewFromInt(100)).Float64()
		if dd > s.drawdown {
			s.drawdown = dd
		}
	}
	return nil
}

func (s *SMACross) Reset(context.Context) error {
	s.created, s.canceled, s.filled = 0, 0, 0
	return nil
}

func (s *SMACross) Run(_ context.Context, cycle simulation.Cycle) error {
	switch cycle.Phase {
	case simulation.PhaseFirst:
		s.fillOrders(cycle)
		s.cancelStale(cycle)
	case simulation.PhaseSecond:
		s.createOrders(cycle)
	default:
		return fmt.Errorf("unexpected phase %s", cycle.Phase)
	}
	return nil
}

func (s *SMACross) CheckStop(context.Context) (bool, string) {
	if s.cfg.StopAfterTrades > 0 && s.trades >= s.cfg.StopAfterTrades {
		return true, fmt.Sprintf("stop_after_trades reached (%d)", s.trades)
	}
	if s.cfg.MaxDrawdownPct > 0 && s.drawdown >= s.cfg.MaxDrawdownPct {
		return true, fmt.Sprintf("max drawdown %.2f%% >= %.2f%%", s.drawdown, s.cfg.MaxDrawdownPct)
	}
	return false, ""
}

func (s *SMACross) ReceiveSignals(_ context.Context, list []signals.Signal) error {
	s.inbox = append(s.inbox, list...)
	return nil
}

func (s *SMACross) DrainSignals() []signals.Signal {
	out := s.outbox
	s.outbox = nil
	return out
}

// Exposure 返回持仓数量加未成交订单数量。
func (s *SMACross) Exposure() decimal.Decimal {
	total := s.position.Abs()
	for _, o := range s.orders {
		total = total.Add(o.quantity)
	}
	return total
}

func (s *SMACross) Trades() int               { return s.trades }
func (s *SMACross) Position() decimal.Decimal { return s.position }
func (s *SMACross) Drawdown() float64         { return s.drawdown }

func (s *SMACross) equity(price decimal.Decimal) decimal.Decimal {
	return s.cash.Add(s.position.Mul(price))
}

func (s *SMACross) fillOrders(cycle simulation.Cycle) {
	candle := cycle.Candle
	remaining := s.orders[:0]
	for _, o := range s.orders {
		hit := (o.side == sideBuy && candle.Low.LessThanOrEqual(o.price)) ||
			(o.side == sideSell && candle.High.GreaterThanOrEqual(o.price))
		if !hit {
			remaining = append(remaining, o)
			continue
		}
		notional := o.price.Mul(o.quantity)
		if o.side == sideBuy {
			s.position = s.position.Add(o.quantity)
			s.cash = s.cash.Sub(notional)
		} else {
			s.position = s.position.Sub(o.quantity)
			s.cash = s.cash.Add(notional)
		}
		s.trades++
		s.filled++
		s.record(cycle, records.KindOrderFilled, o, "")
		kind := signals.KindEntry
		if o.side == sideSell {
			kind = signals.KindExit
		}
		s.outbox = append(s.outbox, signals.Signal{
			Session:     s.cfg.Session,
			CandleIndex: cycle.CandleIndex,
			Kind:        kind,
			Symbol:      s.cfg.Symbol,
			Side:        o.side,
			Price:       o.price,
			Quantity:    o.quantity,
			Time:        candle.CloseTime,
		})
	}
	s.orders = remaining
}

func (s *SMACross) cancelStale(cycle simulation.Cycle) {
	if !cycle.Phase.AllowsCancel() {
		return
	}
	remaining := s.orders[:0]
	for _, o := range s.orders {
		if cycle.CandleIndex-o.created < s.cfg.OrderTTL {
			remaining = append(remaining, o)
			continue
		}
		s.canceled++
		s.record(cycle, records.KindOrderCanceled, o, "ttl expired")
	}
	s.orders = remaining
}

func (s *SMACross) createOrders(cycle simulation.Cycle) {
	if !cycle.Phase.AllowsCreate() {
		return
	}
	side, note := s.intent()
	if side == "" || len(s.orders) >= s.cfg.MaxOpenOrders || s.hasPending(side) {
		return
	}
	qty := s.cfg.Quantity
	if side == sideSell {
		if !s.position.IsPositive() {
			return
		}
		qty = s.position
	}
	o := &order{
		id:       uuid.NewString(),
		side:     side,
		price:    cycle.Candle.Close,
		quantity: qty,
		created:  cycle.CandleIndex,
	}
	s.orders = append(s.orders, o)
	s.created++
	s.record(cycle, records.KindOrderCreated, o, note)
}

// intent 外部信号优先于均线交叉。
func (s *SMACross) intent() (string, string) {
	inbox := s.inbox
	s.inbox = nil
	for i := len(inbox) - 1; i >= 0; i-- {
		sig := inbox[i]
		switch sig.Kind {
		case signals.KindEntry:
			return sideBuy, "signal " + sig.ID
		case signals.KindExit:
			return sideSell, "signal " + sig.ID
		}
	}
	if s.cross != "" {
		return s.cross, "sma crossover"
	}
	return "", ""
}

func (s *SMACross) hasPending(side string) bool {
	for _, o := range s.orders {
		if o.side == side {
			return true
		}
	}
	return false
}

func (s *SMACross) record(cycle simulation.Cycle, kind records.Kind, o *order, note string) {
	s.buf.Add(records.Record{
		RunID:       s.cfg.RunID,
		Session:     s.cfg.Session,
		CandleIndex: cycle.CandleIndex,
		Phase:       cycle.Phase.String(),
		Kind:        kind,
		Time:        cycle.Candle.CloseTime,
		Symbol:      s.cfg.Symbol,
		Side:        o.side,
		Price:       o.price,
		Quantity:    o.quantity,
		Note:        note,
		Payload:     map[string]any{"order_id": o.id, "position": s.position.String()},
	})
}
