package app

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"tradesim/internal/config"
	"tradesim/internal/market"
	"tradesim/internal/records"
	"tradesim/internal/signals"
	"tradesim/internal/simulation"
	simhttp "tradesim/internal/transport/http/sim"
)

type memStore struct {
	mu      sync.Mutex
	runs    map[string]records.RunRecord
	history map[string][]records.RunStatus
	recs    []records.Record
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]records.RunRecord), history: make(map[string][]records.RunStatus)}
}

func (m *memStore) WriteRecords(_ context.Context, recs []records.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memStore) SaveRun(_ context.Context, run records.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	m.history[run.RunID] = append(m.history[run.RunID], run.Status)
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (records.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return records.RunRecord{}, records.ErrRunNotFound
	}
	return run, nil
}

func (m *memStore) ListRuns(_ context.Context, _ int) ([]records.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]records.RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out, nil
}

func (m *memStore) ListRecords(_ context.Context, runID string, _, _ int) ([]records.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []records.Record
	for _, r := range m.recs {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

type fakeLoader struct {
	series map[string]*market.CandleSeries
}

func (f fakeLoader) LoadSeries(_ context.Context, symbol, timeframe string, _, _ int64) (*market.CandleSeries, error) {
	s, ok := f.series[symbol+"@"+timeframe]
	if !ok {
		return nil, errors.New("no candles")
	}
	return s, nil
}

func crossingCandles(t *testing.T) []market.Candle {
	t.Helper()
	closes := []int64{10, 10, 10, 10, 13, 12, 14, 15, 16, 17}
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		px := decimal.NewFromInt(c)
		out[i] = market.Candle{
			OpenTime: int64(i) * 60000,
			Open:     px,
			High:     px.Add(decimal.NewFromInt(1)),
			Low:      px.Sub(decimal.NewFromInt(1)),
			Close:    px,
			Volume:   decimal.NewFromInt(5),
		}
	}
	return out
}

func testConfig(dir string, sessions ...config.SessionConfig) *config.Config {
	return &config.Config{
		App:      config.AppConfig{LogLevel: "error", SummaryDir: filepath.Join(dir, "summaries"), HTTPAddr: ":0"},
		Data:     config.DataConfig{CandleRoot: filepath.Join(dir, "candles")},
		Records:  config.RecordsConfig{Driver: "sqlite", Path: filepath.Join(dir, "runs.db"), BatchSize: 10},
		Exchange: config.ExchangeConfig{Name: "binance", RateLimitPerMin: 1200, TimeoutSeconds: 5},
		Runner:   config.RunnerConfig{MaxConcurrent: 2},
		Sessions: sessions,
	}
}

func testSession(name, symbol string) config.SessionConfig {
	return config.SessionConfig{
		Name:      name,
		Symbol:    symbol,
		Timeframe: "1m",
		Exchange:  "binance",
		Market:    "futures",
		Strategy:  config.StrategyConfig{Name: "sma_cross", FastPeriod: 2, SlowPeriod: 3, Quantity: 1},
	}
}

func newTestRunner(t *testing.T, cfg *config.Config, store records.RunStore) *Runner {
	t.Helper()
	series, err := market.NewCandleSeries("BTCUSDT", "1m", crossingCandles(t))
	require.NoError(t, err)
	runner, err := NewRunner(RunnerDeps{
		Config:  cfg,
		Store:   store,
		Candles: fakeLoader{series: map[string]*market.CandleSeries{"BTCUSDT@1m": series}},
	})
	require.NoError(t, err)
	return runner
}

func TestRunAllPersistsStatusAndSummary(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, testSession("btc", "BTCUSDT"), testSession("eth", "ETHUSDT"))
	store := newMemStore()
	runner := newTestRunner(t, cfg, store)

	var beats int
	var mu sync.Mutex
	runner.AddHeartbeatSink(simulation.HeartbeatFunc(func(simulation.Heartbeat) {
		mu.Lock()
		beats++
		mu.Unlock()
	}))

	outcomes, err := runner.RunAll(context.Background())
	require.Error(t, err)
	require.Len(t, outcomes, 2)

	btc, eth := outcomes[0], outcomes[1]
	require.NoError(t, btc.Err)
	assert.ErrorContains(t, eth.Err, "no candles")

	assert.Equal(t, []records.RunStatus{records.RunPending, records.RunRunning, records.RunDone}, store.history[btc.RunID])
	assert.Equal(t, []records.RunStatus{records.RunPending, records.RunFailed}, store.history[eth.RunID])

	assert.Equal(t, 9, btc.Summary.CandlesProcessed)
	assert.True(t, btc.Summary.Completed)
	assert.NotEmpty(t, store.recs)
	assert.Positive(t, beats)

	hb, ok := runner.Tracker().Latest("btc")
	require.True(t, ok)
	assert.Equal(t, 8, hb.CandleIndex)

	snap, ok := runner.Portfolio().Snapshot("btc")
	require.True(t, ok)
	assert.Equal(t, 9, snap.Entries)

	raw, err := os.ReadFile(filepath.Join(cfg.App.SummaryDir, "btc_"+btc.RunID+".yaml"))
	require.NoError(t, err)
	var exported map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &exported))
	assert.Equal(t, "btc", exported["session"])
	assert.Equal(t, 9, exported["candles_processed"])
}

func TestRunSessionFetchWithoutExchangeFails(t *testing.T) {
	sc := testSession("btc", "BTCUSDT")
	sc.UserDefined.FetchBalance = true
	cfg := testConfig(t.TempDir(), sc)
	store := newMemStore()
	runner := newTestRunner(t, cfg, store)

	out := runner.RunSession(context.Background(), sc, "run-x")
	require.Error(t, out.Err)
	assert.Equal(t, records.RunFailed, store.runs["run-x"].Status)
}

func TestStartSession(t *testing.T) {
	cfg := testConfig(t.TempDir(), testSession("btc", "BTCUSDT"))
	store := newMemStore()
	runner := newTestRunner(t, cfg, store)

	_, err := runner.StartSession(context.Background(), "nope")
	assert.ErrorIs(t, err, simhttp.ErrUnknownSession)

	run, err := runner.StartSession(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, records.RunPending, run.Status)
	runner.Wait()

	got, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, records.RunDone, got.Status)
	assert.JSONEq(t, `"btc"`, `"`+got.Session+`"`)
}

func TestBuilderWiresSqliteStacks(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, testSession("btc", "BTCUSDT"))
	cfg.Signals.Enabled = true

	app, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer app.Close()
	app.Summary.out = io.Discard
	assert.Nil(t, app.Exchange())

	_, err = app.Candles().InsertCandles(context.Background(), "BTCUSDT", "1m", crossingCandles(t))
	require.NoError(t, err)

	outcomes, err := app.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, outcomes, 1)

	recs, err := app.store.ListRecords(context.Background(), outcomes[0].RunID, 100, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, recs)
}

type gatedLoader struct {
	fakeLoader
	gate chan struct{}
}

func (g gatedLoader) LoadSeries(ctx context.Context, symbol, timeframe string, start, end int64) (*market.CandleSeries, error) {
	<-g.gate
	return g.fakeLoader.LoadSeries(ctx, symbol, timeframe, start, end)
}

func TestRerunAfterFailedRunStartsClean(t *testing.T) {
	cfg := testConfig(t.TempDir(), testSession("btc", "BTCUSDT"))
	store := newMemStore()
	series, err := market.NewCandleSeries("BTCUSDT", "1m", crossingCandles(t))
	require.NoError(t, err)
	hub, err := signals.NewHub("")
	require.NoError(t, err)
	runner, err := NewRunner(RunnerDeps{
		Config:  cfg,
		Store:   store,
		Candles: fakeLoader{series: map[string]*market.CandleSeries{"BTCUSDT@1m": series}},
		Hub:     hub,
	})
	require.NoError(t, err)

	// 第一次运行在首根 K 线签入组合后崩溃
	var armed atomic.Bool
	armed.Store(true)
	runner.AddHeartbeatSink(simulation.HeartbeatFunc(func(simulation.Heartbeat) {
		if armed.CompareAndSwap(true, false) {
			panic("sink exploded")
		}
	}))
	require.NoError(t, hub.PublishRaw([]byte(`{"session":"btc","candle_index":50,"kind":"entry","side":"buy"}`)))

	sc, _ := cfg.Session("btc")
	first := runner.RunSession(context.Background(), sc, "run-1")
	require.Error(t, first.Err)
	assert.ErrorIs(t, first.Err, simulation.ErrSimulationFailed)
	assert.Equal(t, records.RunFailed, store.runs["run-1"].Status)

	list, _ := hub.Take("btc", 100)
	assert.Empty(t, list, "signals left by a finished run must not leak into the next one")

	second := runner.RunSession(context.Background(), sc, "run-2")
	require.NoError(t, second.Err)
	assert.Equal(t, records.RunDone, store.runs["run-2"].Status)

	snap, ok := runner.Portfolio().Snapshot("btc")
	require.True(t, ok)
	assert.Equal(t, "run-2", snap.RunID)
	assert.Equal(t, 9, snap.Entries)
	assert.Zero(t, snap.Abandoned)
}

func TestSessionRunsAreExclusive(t *testing.T) {
	cfg := testConfig(t.TempDir(), testSession("btc", "BTCUSDT"), testSession("eth", "ETHUSDT"))
	cfg.Runner.MaxConcurrent = 1
	store := newMemStore()
	series, err := market.NewCandleSeries("BTCUSDT", "1m", crossingCandles(t))
	require.NoError(t, err)
	gate := make(chan struct{})
	runner, err := NewRunner(RunnerDeps{
		Config: cfg,
		Store:  store,
		Candles: gatedLoader{
			fakeLoader: fakeLoader{series: map[string]*market.CandleSeries{"BTCUSDT@1m": series}},
			gate:       gate,
		},
	})
	require.NoError(t, err)

	run, err := runner.StartSession(context.Background(), "btc")
	require.NoError(t, err)

	_, err = runner.StartSession(context.Background(), "btc")
	assert.ErrorIs(t, err, ErrSessionRunning)

	_, err = runner.StartSession(context.Background(), "eth")
	assert.ErrorIs(t, err, ErrRunnerBusy)

	sc, _ := cfg.Session("btc")
	out := runner.RunSession(context.Background(), sc, "run-dup")
	assert.ErrorIs(t, out.Err, ErrSessionRunning)
	_, saved := store.runs["run-dup"]
	assert.False(t, saved)

	close(gate)
	runner.Wait()
	got, err := store.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	assert.Equal(t, records.RunDone, got.Status)

	// 名额与登记都已释放
	again := runner.RunSession(context.Background(), sc, "run-again")
	require.NoError(t, again.Err)
}
