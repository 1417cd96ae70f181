package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"tradesim/internal/market"
)

type journal struct {
	events []string
}

func (j *journal) add(format string, args ...any) {
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

func (j *journal) count(event string) int {
	n := 0
	for _, e := range j.events {
		if e == event {
			n++
		}
	}
	return n
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

// scriptedSystem 按脚本返回 stop/panic，并把调用写入 journal。
type scriptedSystem struct {
	j          *journal
	stopAt     int
	stopReason string
	panicAt    int
	onMaintain func()

	current    int
	resets     int
	cycles     []Cycle
	stopChecks []int
}

func newScriptedSystem(j *journal) *scriptedSystem {
	return &scriptedSystem{j: j, stopAt: -1, panicAt: -1, current: -1}
}

func (s *scriptedSystem) Run(_ context.Context, c Cycle) error {
	s.j.add("run:%d:%s", c.CandleIndex, c.Phase)
	s.cycles = append(s.cycles, c)
	if c.CandleIndex == s.panicAt {
		panic("strategy exploded")
	}
	return nil
}

func (s *scriptedSystem) Reset(context.Context) error {
	s.resets++
	return nil
}

func (s *scriptedSystem) UpdateChart(_ context.Context, chart market.Chart, _, _ string) error {
	s.current = chart.Index
	s.j.add("chart:%d", chart.Index)
	return nil
}

func (s *scriptedSystem) Maintain(context.Context) error {
	s.j.add("maintain")
	if s.onMaintain != nil {
		s.onMaintain()
	}
	return nil
}

func (s *scriptedSystem) CheckStop(context.Context) (bool, string) {
	s.stopChecks = append(s.stopChecks, s.current)
	if s.stopAt >= 0 && s.current == s.stopAt {
		return true, s.stopReason
	}
	return false, ""
}

type journalIncoming struct {
	j    *journal
	late map[int]bool
}

func (in journalIncoming) Sync(_ context.Context, _ TradingSystem, idx int) (bool, error) {
	in.j.add("in:%d", idx)
	return !in.late[idx], nil
}

type journalOutgoing struct{ j *journal }

func (o journalOutgoing) Sync(_ context.Context, _ TradingSystem, c market.Candle) error {
	o.j.add("out:%d", c.Index)
	return nil
}

type journalPortfolio struct{ j *journal }

func (p journalPortfolio) SyncEntry(_ context.Context, _ TradingSystem, c market.Candle) error {
	p.j.add("entry:%d", c.Index)
	return nil
}

func (p journalPortfolio) SyncExit(_ context.Context, _ TradingSystem, c market.Candle) error {
	p.j.add("exit:%d", c.Index)
	return nil
}

type journalRecords struct {
	j   *journal
	err error
}

func (r journalRecords) AppendRecords(context.Context) error {
	r.j.add("append")
	return r.err
}

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) FetchAllBalances(ctx context.Context) (Payload, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Payload), args.Error(1)
}

func (m *MockExchange) GetOrderHistory(ctx context.Context, symbol string, since int64, limit int, params map[string]any) (Payload, error) {
	args := m.Called(ctx, symbol, since, limit, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Payload), args.Error(1)
}

const minute = int64(60_000)

func testSeries(n int) *market.CandleSeries {
	candles := make([]market.Candle, n)
	for i := range candles {
		candles[i] = market.Candle{
			OpenTime: int64(i+1) * minute,
			Open:     decimal.NewFromInt(100),
			High:     decimal.NewFromInt(101),
			Low:      decimal.NewFromInt(99),
			Close:    decimal.NewFromInt(100),
		}
	}
	series, err := market.NewCandleSeries("BTCUSDT", "1m", candles)
	if err != nil {
		panic(err)
	}
	return series
}

func journalSession(j *journal, sys *scriptedSystem) Session {
	return Session{
		RunID:     "run-test",
		Name:      "unit",
		System:    sys,
		Incoming:  journalIncoming{j: j},
		Outgoing:  journalOutgoing{j: j},
		Portfolio: journalPortfolio{j: j},
		Records:   journalRecords{j: j},
		Heartbeat: HeartbeatFunc(func(hb Heartbeat) { j.add("beat:%d", hb.CandleIndex) }),
	}
}
