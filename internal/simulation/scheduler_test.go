package simulation

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func candleEvents(i int) []string {
	return []string{
		"in:" + itoa(i), "entry:" + itoa(i), "beat:" + itoa(i), "chart:" + itoa(i), "maintain",
		"run:" + itoa(i) + ":First", "append",
		"run:" + itoa(i) + ":Second", "out:" + itoa(i), "exit:" + itoa(i), "append",
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := true
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					match = false
				}
			}
			if match {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestRunEpisode_FiveCandlesCompletes(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	sched := NewEpisodeScheduler()

	sum, err := sched.RunEpisode(context.Background(), testSeries(5), journalSession(j, sys))
	require.NoError(t, err)

	var want []string
	for i := 0; i <= 3; i++ {
		want = append(want, candleEvents(i)...)
	}
	assert.Equal(t, want, j.events)
	assert.True(t, sum.Completed)
	assert.Equal(t, 0, sum.StartIndex)
	assert.Equal(t, 3, sum.LastIndex)
	assert.Equal(t, 4, sum.CandlesProcessed)
	assert.Equal(t, 4, sum.FirstCycles)
	assert.Equal(t, 4, sum.SecondCycles)
	assert.Equal(t, 8, sum.Appends)
	assert.Equal(t, 4, sum.ExitSyncs)
	assert.True(t, sum.HeadOfMarket)
	assert.Equal(t, CheckpointLate, sum.Stop.Checkpoint)
	assert.Equal(t, ReasonSeriesExhausted, sum.Stop.Reason)
	assert.Equal(t, 8, sys.resets)
}

func TestRunEpisode_StrategyEarlyStop(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	sys.stopAt = 2
	sys.stopReason = "take profit reached"

	sum, err := NewEpisodeScheduler().RunEpisode(context.Background(), testSeries(6), journalSession(j, sys))
	require.NoError(t, err)

	want := append(candleEvents(0), candleEvents(1)...)
	want = append(want, "in:2", "entry:2", "beat:2", "chart:2", "maintain", "run:2:First", "append", "out:2", "exit:2")
	assert.Equal(t, want, j.events)
	assert.Equal(t, 0, j.count("run:2:Second"))
	assert.Equal(t, 0, j.count("in:3"))
	assert.Equal(t, StopSignal{
		Stop:        true,
		Checkpoint:  CheckpointEarly,
		Level:       StopStrategy,
		Reason:      "take profit reached",
		CandleIndex: 2,
	}, sum.Stop)
	assert.Equal(t, 3, sum.FirstCycles)
	assert.Equal(t, 2, sum.SecondCycles)
	assert.Equal(t, 5, sum.Appends)
	assert.Equal(t, 3, sum.ExitSyncs)
	assert.Equal(t, 2, sum.LastIndex)
	assert.True(t, sum.Completed)
}

func TestRunEpisode_EpisodeStopTakesPrecedence(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	sys.stopAt = 2
	sys.stopReason = "strategy exit"
	series := testSeries(6)
	session := journalSession(j, sys)
	session.TimeRange.Final = series.At(2).OpenAt()

	sum, err := NewEpisodeScheduler().RunEpisode(context.Background(), series, session)
	require.NoError(t, err)

	assert.Equal(t, StopEpisode, sum.Stop.Level)
	assert.Equal(t, ReasonFinalDatetime, sum.Stop.Reason)
	assert.Equal(t, 2, sum.Stop.CandleIndex)
	assert.Equal(t, []int{0, 1}, sys.stopChecks, "strategy stop must not be consulted once the episode stop fired")
}

func TestRunEpisode_NeverTouchesLastCandle(t *testing.T) {
	for n := 2; n <= 7; n++ {
		for start := -1; start <= n; start++ {
			j := &journal{}
			sys := newScriptedSystem(j)
			session := journalSession(j, sys)
			session.StartIndex = start

			sum, err := NewEpisodeScheduler().RunEpisode(context.Background(), testSeries(n), session)
			require.NoError(t, err)

			first := clampStart(start, n)
			expected := n - 1 - first
			assert.Equal(t, expected, sum.CandlesProcessed, "n=%d start=%d", n, start)
			assert.Equal(t, 0, j.count("chart:"+itoa(n-1)), "n=%d start=%d", n, start)
			assert.Equal(t, 0, j.count("in:"+itoa(n-1)), "n=%d start=%d", n, start)
			if expected == 0 {
				assert.True(t, sum.HeadOfMarket, "empty loop keeps head of market")
			}
		}
	}
}

func TestRunEpisode_InitialDatetimeGate(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	series := testSeries(5)
	session := journalSession(j, sys)
	session.TimeRange.Initial = series.At(2).OpenAt()

	sum, err := NewEpisodeScheduler().RunEpisode(context.Background(), series, session)
	require.NoError(t, err)

	want := []string{"in:0", "entry:0", "beat:0", "in:1", "entry:1", "beat:1"}
	want = append(want, candleEvents(2)...)
	want = append(want, candleEvents(3)...)
	assert.Equal(t, want, j.events)
	assert.Equal(t, 2, sum.CandlesSkipped)
	assert.Equal(t, 2, sum.CandlesProcessed)
	assert.Equal(t, 4, sum.CandlesVisited)
}

func TestRunEpisode_LateSignalsAreAdvisory(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	session := journalSession(j, sys)
	session.Incoming = journalIncoming{j: j, late: map[int]bool{1: true}}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	sum, err := NewEpisodeScheduler(WithMetrics(metrics)).RunEpisode(context.Background(), testSeries(4), session)
	require.NoError(t, err)

	assert.Equal(t, 1, sum.LateSignals)
	assert.Equal(t, 3, sum.SecondCycles)
	assert.Equal(t, 1.0, counterValue(t, reg, "tradesim_late_signals_total", map[string]string{"session": "unit"}))
	assert.Equal(t, 3.0, counterValue(t, reg, "tradesim_candles_total", map[string]string{"session": "unit"}))
	assert.Equal(t, 3.0, counterValue(t, reg, "tradesim_cycles_total", map[string]string{"session": "unit", "phase": "Second"}))
	assert.Equal(t, 1.0, counterValue(t, reg, "tradesim_stops_total", map[string]string{"checkpoint": "late", "level": "episode"}))
}

func TestRunEpisode_PanicBecomesSimulationFailure(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	sys.panicAt = 1

	sum, err := NewEpisodeScheduler().RunEpisode(context.Background(), testSeries(5), journalSession(j, sys))
	require.Error(t, err)
	assert.Equal(t, RunSummary{}, sum)
	assert.ErrorIs(t, err, ErrSimulationFailed)

	var failure *SimulationFailure
	require.True(t, errors.As(err, &failure))
	assert.True(t, failure.Panicked())
	assert.Equal(t, 1, failure.CandleIndex)
	assert.Equal(t, PhaseFirst, failure.Phase)
	assert.Equal(t, "run-test", failure.RunID)
	assert.Contains(t, failure.Error(), "strategy exploded")
	assert.Equal(t, 2, j.count("append"), "no records after the fault")
}

func TestRunEpisode_CollaboratorErrorUnwinds(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	session := journalSession(j, sys)
	diskFull := errors.New("disk full")
	session.Records = journalRecords{j: j, err: diskFull}

	_, err := NewEpisodeScheduler().RunEpisode(context.Background(), testSeries(5), session)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSimulationFailed)
	assert.ErrorIs(t, err, diskFull)
	assert.False(t, err.(*SimulationFailure).Panicked())
	assert.Equal(t, 0, j.count("run:0:Second"))
}

func TestRunEpisode_InvalidInputs(t *testing.T) {
	_, err := NewEpisodeScheduler().RunEpisode(context.Background(), nil, Session{})
	assert.ErrorIs(t, err, ErrSimulationFailed)

	j := &journal{}
	session := journalSession(j, newScriptedSystem(j))
	session.Fetch.FetchBalance = true
	_, err = NewEpisodeScheduler().RunEpisode(context.Background(), testSeries(3), session)
	assert.ErrorIs(t, err, ErrSimulationFailed)
	assert.Empty(t, j.events)
}

func TestRunEpisode_BalanceFetchThrottledByClock(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	clock := &fakeClock{now: time.UnixMilli(0)}
	sys.onMaintain = func() { clock.now = clock.now.Add(30 * time.Second) }
	ex := new(MockExchange)
	ex.On("FetchAllBalances", mock.Anything).Return(Payload(`{"total":{"USDT":"100"}}`), nil).Once()

	session := journalSession(j, sys)
	session.ExchangeAPI = ex
	session.Fetch.FetchBalance = true

	sum, err := NewEpisodeScheduler(WithClock(clock.Now)).RunEpisode(context.Background(), testSeries(5), session)
	require.NoError(t, err)

	// 30s, 60s 未到期；90s 触发；120s 距上次不足一分钟
	ex.AssertNumberOfCalls(t, "FetchAllBalances", 1)
	require.Len(t, sum.Fetches, 1)
	assert.Equal(t, FetchStats{Kind: FetchBalances, Attempts: 1, Successes: 1, LastFetch: 90_000}, sum.Fetches[0])
}

func TestRunEpisode_BalanceProgress(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	clock := &fakeClock{now: time.UnixMilli(0)}
	sys.onMaintain = func() { clock.now = clock.now.Add(61 * time.Second) }
	ex := new(MockExchange)
	ex.On("FetchAllBalances", mock.Anything).Return(Payload(`{"total":{"USDT":"200"}}`), nil).Once()
	ex.On("FetchAllBalances", mock.Anything).Return(Payload(`{"total":{"USDT":"220"}}`), nil)

	session := journalSession(j, sys)
	session.ExchangeAPI = ex
	session.Fetch.FetchBalance = true
	session.BalanceProgressPath = "total.USDT"

	sum, err := NewEpisodeScheduler(WithClock(clock.Now)).RunEpisode(context.Background(), testSeries(4), session)
	require.NoError(t, err)

	ex.AssertNumberOfCalls(t, "FetchAllBalances", 3)
	require.NotNil(t, sum.BalanceProgress)
	assert.True(t, decimal.NewFromInt(10).Equal(*sum.BalanceProgress), "got %s", sum.BalanceProgress)
}

func TestRunEpisode_OrderHistoryWindow(t *testing.T) {
	j := &journal{}
	sys := newScriptedSystem(j)
	clock := &fakeClock{now: time.UnixMilli(10 * minute)}
	ex := new(MockExchange)
	ex.On("GetOrderHistory", mock.Anything, "ETHUSDT", 10*minute-5*minute, 0, map[string]any{}).
		Return(Payload(`[]`), nil).Once()

	session := journalSession(j, sys)
	session.Symbol = "ETHUSDT"
	session.ExchangeAPI = ex
	session.Fetch.FetchOrders = true
	session.Fetch.OrdersTimeSpan = 5

	sum, err := NewEpisodeScheduler(WithClock(clock.Now)).RunEpisode(context.Background(), testSeries(3), session)
	require.NoError(t, err)

	ex.AssertExpectations(t)
	require.Len(t, sum.Fetches, 1)
	assert.Equal(t, FetchOrders, sum.Fetches[0].Kind)
	assert.Equal(t, 1, sum.Fetches[0].Successes)
}
