package simulation

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/logger"
	"tradesim/internal/market"
)

// EpisodeScheduler 驱动逐 K 线、双周期的模拟循环。
type EpisodeScheduler struct {
	nowFn   func() time.Time
	metrics *Metrics
}

type Option func(*EpisodeScheduler)

// WithClock 注入节流与心跳使用的时钟。
func WithClock(fn func() time.Time) Option {
	return func(s *EpisodeScheduler) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(s *EpisodeScheduler) { s.metrics = m }
}

func NewEpisodeScheduler(opts ...Option) *EpisodeScheduler {
	s := &EpisodeScheduler{nowFn: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// RunEpisode 处理 [start, len-2] 区间的 K 线，最后一根视为未收盘永不处理。
// 返回的错误总是 *SimulationFailure。
func (s *EpisodeScheduler) RunEpisode(ctx context.Context, series *market.CandleSeries, session Session) (summary RunSummary, err error) {
	if session.RunID == "" {
		session.RunID = uuid.NewString()
	}
	run := &episodeRun{
		sched:   s,
		series:  series,
		session: session,
		state:   newEpisodeState(session.RunID, session.Name),
		log:     logger.Named("Simulation"),
	}
	defer func() {
		if r := recover(); r != nil {
			summary = RunSummary{}
			err = run.fail(fmt.Errorf("panic: %v", r), debug.Stack())
		}
	}()
	if series == nil || series.Len() == 0 {
		return RunSummary{}, run.fail(market.ErrEmptySeries, nil)
	}
	normalized, nerr := session.normalize()
	if nerr != nil {
		return RunSummary{}, run.fail(nerr, nil)
	}
	run.session = normalized
	run.state.Session = normalized.Name
	run.wire()

	started := s.nowFn()
	if err := run.loop(ctx); err != nil {
		return RunSummary{}, run.fail(err, nil)
	}
	finished := s.nowFn()
	run.log.Infof("trading simulation %s ran in %.3f seconds", normalized.Name, finished.Sub(started).Seconds())
	return buildSummary(run.state, series.Symbol(), started, finished), nil
}

type episodeRun struct {
	sched   *EpisodeScheduler
	series  *market.CandleSeries
	session Session
	state   *EpisodeState
	log     logger.Module

	fetcher   ThrottledFetcher
	signals   SignalSync
	portfolio PortfolioSync
	stops     StopConditionEvaluator
	cycle     CyclePhase
}

func (r *episodeRun) wire() {
	m := r.sched.metrics
	name := r.session.Name
	r.fetcher = NewThrottledFetcher(m)
	r.signals = SignalSync{
		session:  name,
		incoming: r.session.Incoming,
		outgoing: r.session.Outgoing,
		log:      logger.Named("Signals"),
		metrics:  m,
	}
	r.portfolio = PortfolioSync{manager: r.session.Portfolio}
	r.stops = StopConditionEvaluator{
		system:        r.session.System,
		timeRange:     r.session.TimeRange,
		maxGapCandles: r.session.MaxGapCandles,
		metrics:       m,
	}
	r.cycle = CyclePhase{session: name, system: r.session.System, log: r.log, metrics: m}
}

func clampStart(start, n int) int {
	if start < 0 {
		return 0
	}
	if start > n-1 {
		return n - 1
	}
	return start
}

func (r *episodeRun) loop(ctx context.Context) error {
	n := r.series.Len()
	start := clampStart(r.session.StartIndex, n)
	last := n - 2
	r.state.StartIndex = start
	// 循环可能为空，先假定处于行情最前端，由 late 检查按序列位置覆盖。
	r.state.HeadOfMarket = true
	r.log.Infof("starting simulation %s, initial candle %d, final candle %d", r.session.Name, start, last)
	if !r.session.TimeRange.Initial.IsZero() {
		r.log.Infof("initial datetime %s", r.session.TimeRange.Initial.UTC().Format(time.RFC3339))
	}
	if !r.session.TimeRange.Final.IsZero() {
		r.log.Infof("final datetime %s", r.session.TimeRange.Final.UTC().Format(time.RFC3339))
	}
	for i := start; i <= last; i++ {
		stop, err := r.step(ctx, i)
		if err != nil {
			return err
		}
		if stop.Stop {
			r.state.Stop = stop
			r.log.Infof("simulation stopped: %s", stop)
			break
		}
	}
	return nil
}

func (r *episodeRun) step(ctx context.Context, i int) (StopSignal, error) {
	sys := r.session.System
	candle := r.series.At(i)
	r.state.advance(candle)
	r.log.Infof("simulation loop, candle index %d", i)

	if !r.signals.SyncIncoming(ctx, sys, i) {
		r.state.Counters.LateSignals++
		r.log.Warnf("candle %d running without signals, signals did not arrive on time", i)
	}
	if err := r.portfolio.SyncEntry(ctx, sys, candle); err != nil {
		return StopSignal{}, err
	}
	r.heartbeat(candle)
	if r.state.openEpisode(r.sched.nowFn()) {
		r.log.Infof("episode %s opened at candle %d", r.state.RunID, i)
	}
	if !r.initialDatetimeReached(candle) {
		r.state.Counters.Skipped++
		return StopSignal{}, nil
	}

	if err := sys.UpdateChart(ctx, r.series.Chart(i), r.session.ExchangeName, r.session.MarketName); err != nil {
		return StopSignal{}, fmt.Errorf("update chart at candle %d: %w", i, err)
	}
	if err := sys.Maintain(ctx); err != nil {
		return StopSignal{}, fmt.Errorf("maintain at candle %d: %w", i, err)
	}
	r.state.maintain()
	r.sched.metrics.candle(r.session.Name)

	r.fetchBalances(ctx)
	r.fetchOrders(ctx)

	if err := r.cycle.Run(ctx, r.state, PhaseFirst); err != nil {
		return StopSignal{}, err
	}
	// 先判定 stop 再追加记录，保证停止原因写入记录。
	stop := r.stops.Early(ctx, r.state, r.series)
	if err := r.appendRecords(ctx); err != nil {
		return StopSignal{}, err
	}
	if stop.Stop {
		return stop, r.exitCandle(ctx, candle, stop)
	}

	if err := r.cycle.Run(ctx, r.state, PhaseSecond); err != nil {
		return StopSignal{}, err
	}
	if err := r.exitCandle(ctx, candle, StopSignal{}); err != nil {
		return StopSignal{}, err
	}
	stop = r.stops.Late(ctx, r.state, r.series)
	if err := r.appendRecords(ctx); err != nil {
		return StopSignal{}, err
	}
	return stop, nil
}

// exitCandle 是两个出口分支共用的唯一路径：先出站信号，再组合签出。
func (r *episodeRun) exitCandle(ctx context.Context, candle market.Candle, stop StopSignal) error {
	if stop.Stop {
		r.log.Infof("early stop at candle %d (%s), skipping second cycle", candle.Index, stop.Level)
	}
	if err := r.signals.SyncOutgoing(ctx, r.session.System, candle); err != nil {
		return err
	}
	if err := r.portfolio.SyncExit(ctx, r.session.System, candle); err != nil {
		return err
	}
	r.state.Counters.ExitSyncs++
	return nil
}

func (r *episodeRun) appendRecords(ctx context.Context) error {
	if err := r.session.Records.AppendRecords(ctx); err != nil {
		return fmt.Errorf("append records at candle %d: %w", r.state.CandleIndex, err)
	}
	r.state.Counters.Appends++
	return nil
}

func (r *episodeRun) heartbeat(candle market.Candle) {
	current := candle.OpenAt()
	hb := Heartbeat{
		RunID:       r.state.RunID,
		Session:     r.session.Name,
		CandleIndex: candle.Index,
		LastIndex:   r.series.Len() - 2,
		Current:     current,
		Previous:    r.state.lastBeat,
	}
	r.state.lastBeat = current
	r.session.Heartbeat.Beat(hb)
}

func (r *episodeRun) initialDatetimeReached(candle market.Candle) bool {
	initial := r.session.TimeRange.Initial
	return initial.IsZero() || candle.OpenTime >= initial.UnixMilli()
}

func (r *episodeRun) fetchBalances(ctx context.Context) {
	opts := r.session.Fetch
	if !opts.FetchBalance {
		return
	}
	now := r.sched.nowFn().UnixMilli()
	res := r.fetcher.MaybeFetch(ctx, &r.state.Stats, FetchBalances, now, opts.BalanceInterval, r.session.ExchangeAPI.FetchAllBalances)
	if !res.Updated || r.session.BalanceProgressPath == "" {
		return
	}
	pct, err := BalanceProgress(res.Record.Initial, res.Record.Current, r.session.BalanceProgressPath)
	if err != nil {
		r.log.Warnf("balance progress unavailable: %v", err)
		return
	}
	r.state.Stats.Store(SlotBalanceProgress, pct)
	r.log.Infof("balance progress %s%%", pct.StringFixed(2))
}

func (r *episodeRun) fetchOrders(ctx context.Context) {
	opts := r.session.Fetch
	if !opts.FetchOrders {
		return
	}
	now := r.sched.nowFn().UnixMilli()
	since := now - minutesToMillis(opts.OrdersTimeSpan)
	api := r.session.ExchangeAPI
	symbol := r.series.Symbol()
	if r.session.Symbol != "" {
		symbol = r.session.Symbol
	}
	fetch := func(ctx context.Context) (Payload, error) {
		return api.GetOrderHistory(ctx, symbol, since, 0, map[string]any{})
	}
	r.fetcher.MaybeFetch(ctx, &r.state.Stats, FetchOrders, now, opts.OrdersInterval, fetch)
}

func (r *episodeRun) fail(cause error, stack []byte) error {
	f := &SimulationFailure{
		RunID:       r.state.RunID,
		Session:     r.state.Session,
		CandleIndex: r.state.CandleIndex,
		Phase:       r.state.Cycle.Phase,
		Cause:       cause,
		Stack:       stack,
	}
	r.state.TerminalErr = f
	r.log.Errorf("run simulation failed: %v", f)
	if len(stack) > 0 {
		r.log.Errorf("stack:\n%s", stack)
	}
	return f
}
