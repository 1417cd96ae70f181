package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"tradesim/internal/config"
	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/portfolio"
	"tradesim/internal/records"
	"tradesim/internal/signals"
	"tradesim/internal/simulation"
	"tradesim/internal/tradingsystem"
	simhttp "tradesim/internal/transport/http/sim"
)

var (
	ErrRunnerBusy     = simhttp.ErrRunnerBusy
	ErrSessionRunning = simhttp.ErrSessionRunning
)

// CandleLoader 从本地 K 线库构建序列。
type CandleLoader interface {
	LoadSeries(ctx context.Context, symbol, timeframe string, start, end int64) (*market.CandleSeries, error)
}

// RunOutcome 是单个会话一次运行的结果。
type RunOutcome struct {
	RunID   string
	Session string
	Summary simulation.RunSummary
	Err     error
}

// Runner 为每个会话构建上下文并并发执行 episode，运行状态写入 RunStore。
type Runner struct {
	cfg       *config.Config
	store     records.RunStore
	candles   CandleLoader
	scheduler *simulation.EpisodeScheduler
	exchange  simulation.ExchangeAPI
	hub       *signals.Hub
	publisher signals.Publisher
	portfolio *portfolio.Manager
	tracker   *simulation.HeartbeatTracker
	log       logger.Module

	// sem 是 RunAll 与 StartSession 共用的并发闸门，active 保证同一会话同时只有一个运行。
	sem *semaphore.Weighted

	mu     sync.Mutex
	sinks  []simulation.HeartbeatSink
	bg     *errgroup.Group
	bgCtx  context.Context
	active map[string]string
}

// RunnerDeps 汇总 Runner 的协作者；Exchange/Hub/Publisher 可为空。
type RunnerDeps struct {
	Config    *config.Config
	Store     records.RunStore
	Candles   CandleLoader
	Scheduler *simulation.EpisodeScheduler
	Exchange  simulation.ExchangeAPI
	Hub       *signals.Hub
	Publisher signals.Publisher
	Portfolio *portfolio.Manager
	Tracker   *simulation.HeartbeatTracker
}

func NewRunner(deps RunnerDeps) (*Runner, error) {
	if deps.Config == nil || deps.Store == nil || deps.Candles == nil {
		return nil, errors.New("runner requires config, store and candle loader")
	}
	if deps.Scheduler == nil {
		deps.Scheduler = simulation.NewEpisodeScheduler()
	}
	if deps.Portfolio == nil {
		deps.Portfolio = portfolio.NewManager()
	}
	if deps.Tracker == nil {
		deps.Tracker = simulation.NewHeartbeatTracker()
	}
	return &Runner{
		cfg:       deps.Config,
		store:     deps.Store,
		candles:   deps.Candles,
		scheduler: deps.Scheduler,
		exchange:  deps.Exchange,
		hub:       deps.Hub,
		publisher: deps.Publisher,
		portfolio: deps.Portfolio,
		tracker:   deps.Tracker,
		log:       logger.Named("Runner"),
		sem:       semaphore.NewWeighted(int64(maxInt(deps.Config.Runner.MaxConcurrent, 1))),
		bg:        new(errgroup.Group),
		bgCtx:     context.Background(),
		active:    make(map[string]string),
	}, nil
}

// AddHeartbeatSink 追加额外的心跳接收者（例如 CLI 进度条）。
func (r *Runner) AddHeartbeatSink(sink simulation.HeartbeatSink) {
	if sink == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, sink)
	r.mu.Unlock()
}

func (r *Runner) Tracker() *simulation.HeartbeatTracker { return r.tracker }
func (r *Runner) Portfolio() *portfolio.Manager         { return r.portfolio }

// RunAll 按 runner.max_concurrent 并发执行全部会话；单个会话失败不影响其他会话。
// 已在运行的会话直接记为 ErrSessionRunning。
func (r *Runner) RunAll(ctx context.Context) ([]RunOutcome, error) {
	outcomes := make([]RunOutcome, len(r.cfg.Sessions))
	group, gctx := errgroup.WithContext(ctx)
	for i := range r.cfg.Sessions {
		idx := i
		sc := r.cfg.Sessions[i]
		group.Go(func() error {
			outcomes[idx] = r.RunSession(gctx, sc, uuid.NewString())
			return nil
		})
	}
	_ = group.Wait()
	var errs []error
	for _, out := range outcomes {
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", out.Session, out.Err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// StartSession 异步启动一个会话：会话运行中返回 ErrSessionRunning，满载时返回 ErrRunnerBusy。
func (r *Runner) StartSession(_ context.Context, name string) (records.RunRecord, error) {
	sc, ok := r.cfg.Session(name)
	if !ok {
		return records.RunRecord{}, fmt.Errorf("%w: %s", simhttp.ErrUnknownSession, name)
	}
	runID := uuid.NewString()
	if err := r.claim(sc.Name, runID); err != nil {
		return records.RunRecord{}, err
	}
	if !r.sem.TryAcquire(1) {
		r.release(sc.Name)
		return records.RunRecord{}, ErrRunnerBusy
	}
	run := r.newRunRecord(runID, sc)
	if err := r.store.SaveRun(context.Background(), run); err != nil {
		r.sem.Release(1)
		r.release(sc.Name)
		return records.RunRecord{}, err
	}
	r.mu.Lock()
	bgCtx := r.bgCtx
	r.mu.Unlock()
	r.bg.Go(func() error {
		defer r.release(sc.Name)
		defer r.sem.Release(1)
		r.runClaimed(bgCtx, sc, runID)
		return nil
	})
	return run, nil
}

// claim 登记会话的当前运行，同一会话已在运行时返回 ErrSessionRunning。
func (r *Runner) claim(name, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.active[name]; ok {
		return fmt.Errorf("%w: %s (run %s)", ErrSessionRunning, name, owner)
	}
	r.active[name] = runID
	return nil
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.active, name)
	r.mu.Unlock()
}

// bindContext 让后台运行随服务生命周期取消。
func (r *Runner) bindContext(ctx context.Context) {
	r.mu.Lock()
	r.bgCtx = ctx
	r.mu.Unlock()
}

// Wait 等待 StartSession 启动的后台运行结束。
func (r *Runner) Wait() {
	_ = r.bg.Wait()
}

// RunSession 同步执行单个会话：登记会话、等待并发闸门，然后 pending → running → done/failed。
func (r *Runner) RunSession(ctx context.Context, sc config.SessionConfig, runID string) RunOutcome {
	if err := r.claim(sc.Name, runID); err != nil {
		return RunOutcome{RunID: runID, Session: sc.Name, Err: err}
	}
	defer r.release(sc.Name)
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return RunOutcome{RunID: runID, Session: sc.Name, Err: err}
	}
	defer r.sem.Release(1)
	return r.runClaimed(ctx, sc, runID)
}

// runClaimed 要求调用方已持有会话登记与并发名额。
func (r *Runner) runClaimed(ctx context.Context, sc config.SessionConfig, runID string) RunOutcome {
	out := RunOutcome{RunID: runID, Session: sc.Name}
	// 本次运行没消费完的入站信号不能漏给下一次运行
	defer r.dropSignals(sc.Name, runID)
	run := r.newRunRecord(runID, sc)
	if err := r.store.SaveRun(ctx, run); err != nil {
		out.Err = fmt.Errorf("save run: %w", err)
		return out
	}

	series, session, err := r.buildSession(ctx, sc, runID)
	if err == nil {
		r.setStatus(ctx, &run, records.RunRunning, nil, "")
		r.log.Infof("run %s session %s: %d candles", runID, sc.Name, series.Len())
		out.Summary, err = r.scheduler.RunEpisode(ctx, series, session)
	}
	if err != nil {
		out.Err = err
		r.log.Errorf("run %s session %s failed: %v", runID, sc.Name, err)
		r.setStatus(ctx, &run, records.RunFailed, nil, err.Error())
		return out
	}
	raw, _ := json.Marshal(out.Summary)
	r.setStatus(ctx, &run, records.RunDone, raw, "")
	if err := r.exportSummary(out.Summary); err != nil {
		r.log.Warnf("export summary for run %s failed: %v", runID, err)
	}
	return out
}

func (r *Runner) newRunRecord(runID string, sc config.SessionConfig) records.RunRecord {
	now := time.Now().UTC()
	return records.RunRecord{
		RunID:     runID,
		Session:   sc.Name,
		Symbol:    sc.Symbol,
		Timeframe: sc.Timeframe,
		Status:    records.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r *Runner) setStatus(ctx context.Context, run *records.RunRecord, status records.RunStatus, summary []byte, errMsg string) {
	run.Status = status
	run.Summary = summary
	run.Error = errMsg
	run.UpdatedAt = time.Now().UTC()
	// 运行可能因 ctx 取消而失败，状态仍需落库
	if err := r.store.SaveRun(context.WithoutCancel(ctx), *run); err != nil {
		r.log.Warnf("save run %s status=%s failed: %v", run.RunID, status, err)
	}
}

func (r *Runner) buildSession(ctx context.Context, sc config.SessionConfig, runID string) (*market.CandleSeries, simulation.Session, error) {
	initial, final, err := sc.TimeRange.Bounds()
	if err != nil {
		return nil, simulation.Session{}, err
	}
	series, err := r.candles.LoadSeries(ctx, sc.Symbol, sc.Timeframe, 0, 0)
	if err != nil {
		return nil, simulation.Session{}, fmt.Errorf("load candles %s@%s: %w", sc.Symbol, sc.Timeframe, err)
	}

	buf := records.NewBuffer()
	st := sc.Strategy
	system, err := tradingsystem.Build(tradingsystem.Config{
		Name:            st.Name,
		RunID:           runID,
		Session:         sc.Name,
		Symbol:          sc.Symbol,
		FastPeriod:      st.FastPeriod,
		SlowPeriod:      st.SlowPeriod,
		Quantity:        decimal.NewFromFloat(st.Quantity),
		InitialCash:     decimal.NewFromFloat(st.InitialCash),
		MaxOpenOrders:   st.MaxOpenOrders,
		OrderTTL:        st.OrderTTL,
		StopAfterTrades: st.StopAfterTrades,
		MaxDrawdownPct:  st.MaxDrawdownPct,
	}, buf)
	if err != nil {
		return nil, simulation.Session{}, err
	}

	ud := sc.UserDefined
	session := simulation.Session{
		RunID:         runID,
		Name:          sc.Name,
		Symbol:        sc.Symbol,
		ExchangeName:  sc.Exchange,
		MarketName:    sc.Market,
		StartIndex:    sc.StartIndex,
		MaxGapCandles: sc.MaxGapCandles,
		TimeRange:     simulation.TimeRange{Initial: initial, Final: final},
		Fetch: simulation.FetchOptions{
			FetchBalance:    ud.FetchBalance,
			BalanceInterval: ud.FetchBalanceInterval,
			FetchOrders:     ud.FetchOrders,
			OrdersInterval:  ud.FetchOrdersInterval,
			OrdersTimeSpan:  ud.FetchOrdersMinutesTimeSpan,
		},
		BalanceProgressPath: ud.BalanceProgressPath,
		System:              system,
		Portfolio:           r.portfolio.Begin(sc.Name, runID),
		Records:             records.NewAppender(buf, r.store, r.cfg.Records.BatchSize),
		Heartbeat:           r.heartbeats(),
	}
	if ud.FetchBalance || ud.FetchOrders {
		if r.exchange == nil {
			return nil, simulation.Session{}, errors.New("fetch enabled but exchange client is not configured")
		}
		session.ExchangeAPI = r.exchange
	}
	if r.hub != nil {
		wait := time.Duration(r.cfg.Signals.WaitMillis) * time.Millisecond
		session.Incoming = signals.NewIncoming(r.hub, sc.Name, sc.Signals.Expect, wait)
		session.Outgoing = signals.NewOutgoing(sc.Name, r.outgoingPublisher(sc))
	}
	return series, session, nil
}

func (r *Runner) dropSignals(session, runID string) {
	if r.hub == nil {
		return
	}
	if n := r.hub.Reset(session); n > 0 {
		r.log.Infof("run %s session %s: dropped %d unconsumed signals", runID, session, n)
	}
}

func (r *Runner) outgoingPublisher(sc config.SessionConfig) signals.Publisher {
	var pubs signals.Publishers
	if r.publisher != nil {
		pubs = append(pubs, r.publisher)
	}
	if fwd := strings.TrimSpace(sc.Signals.ForwardTo); fwd != "" {
		pubs = append(pubs, signals.Retarget{Session: fwd, Next: r.hub})
	}
	return pubs
}

func (r *Runner) heartbeats() simulation.Heartbeats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := simulation.Heartbeats{r.tracker}
	return append(out, r.sinks...)
}

// exportSummary 将 RunSummary 以 YAML 写入 app.summary_dir。
func (r *Runner) exportSummary(summary simulation.RunSummary) error {
	dir := strings.TrimSpace(r.cfg.App.SummaryDir)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := yaml.Marshal(summary)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s_%s.yaml", summary.Session, summary.RunID)
	return os.WriteFile(filepath.Join(dir, name), raw, 0o644)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
