package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradesim/internal/config"
	"tradesim/internal/gateway/binance"
	"tradesim/internal/logger"
	"tradesim/internal/portfolio"
	"tradesim/internal/records"
	"tradesim/internal/signals"
	"tradesim/internal/simulation"
	"tradesim/internal/store/candles"
	"tradesim/internal/store/gormstore"
	"tradesim/internal/store/pgstore"
	simhttp "tradesim/internal/transport/http/sim"
)

type AppBuilder struct {
	cfg *config.Config

	runStoreFn func(context.Context, config.RecordsConfig) (records.RunStore, error)
	candlesFn  func(config.DataConfig) (*candles.Store, error)
	exchangeFn func(config.ExchangeConfig) (*binance.Client, error)
	registry   *prometheus.Registry
}

type AppBuilderOption func(*AppBuilder)

// WithRunStore 替换记录存储（测试中注入内存实现）。
func WithRunStore(store records.RunStore) AppBuilderOption {
	return func(b *AppBuilder) {
		b.runStoreFn = func(context.Context, config.RecordsConfig) (records.RunStore, error) { return store, nil }
	}
}

func WithRegistry(reg *prometheus.Registry) AppBuilderOption {
	return func(b *AppBuilder) { b.registry = reg }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		runStoreFn: buildRunStore,
		candlesFn:  buildCandleStore,
		exchangeFn: buildExchange,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.registry == nil {
		b.registry = prometheus.NewRegistry()
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}

	store, err := b.runStoreFn(ctx, cfg.Records)
	if err != nil {
		return nil, fmt.Errorf("init records store: %w", err)
	}
	candleStore, err := b.candlesFn(cfg.Data)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init candle store: %w", err)
	}

	var exchange simulation.ExchangeAPI
	var exchangeClient *binance.Client
	if needsExchange(cfg.Sessions) {
		exchangeClient, err = b.exchangeFn(cfg.Exchange)
		if err != nil {
			_ = store.Close()
			_ = candleStore.Close()
			return nil, fmt.Errorf("init exchange: %w", err)
		}
		exchange = exchangeClient
	}

	var (
		hub         *signals.Hub
		broadcaster *signals.Broadcaster
	)
	if cfg.Signals.Enabled {
		schema, err := readSchema(cfg.Signals.SchemaPath)
		if err != nil {
			_ = store.Close()
			_ = candleStore.Close()
			return nil, err
		}
		hub, err = signals.NewHub(schema)
		if err != nil {
			_ = store.Close()
			_ = candleStore.Close()
			return nil, err
		}
		broadcaster = signals.NewBroadcaster(hub)
	}

	metrics := simulation.NewMetrics(b.registry)
	tracker := simulation.NewHeartbeatTracker()
	pm := portfolio.NewManager()
	deps := RunnerDeps{
		Config:    cfg,
		Store:     store,
		Candles:   candleStore,
		Scheduler: simulation.NewEpisodeScheduler(simulation.WithMetrics(metrics)),
		Exchange:  exchange,
		Hub:       hub,
		Portfolio: pm,
		Tracker:   tracker,
	}
	if broadcaster != nil {
		deps.Publisher = broadcaster
	}
	runner, err := NewRunner(deps)
	if err != nil {
		_ = store.Close()
		_ = candleStore.Close()
		return nil, err
	}

	httpCfg := simhttp.Config{
		Addr:       cfg.App.HTTPAddr,
		Store:      store,
		Runner:     runner,
		Heartbeats: tracker,
		Portfolio:  pm,
		Gatherer:   b.registry,
	}
	if hub != nil {
		httpCfg.Signals = hub
		httpCfg.SignalsWS = broadcaster
	}
	server, err := simhttp.NewServer(httpCfg)
	if err != nil {
		_ = store.Close()
		_ = candleStore.Close()
		return nil, err
	}

	return &App{
		cfg:         cfg,
		store:       store,
		candles:     candleStore,
		exchange:    exchangeClient,
		runner:      runner,
		http:        server,
		broadcaster: broadcaster,
		Summary:     newStartupSummary(cfg),
	}, nil
}

func needsExchange(sessions []config.SessionConfig) bool {
	for _, s := range sessions {
		if s.UserDefined.FetchBalance || s.UserDefined.FetchOrders {
			return true
		}
	}
	return false
}

func buildRunStore(ctx context.Context, cfg config.RecordsConfig) (records.RunStore, error) {
	if cfg.Driver == "postgres" {
		st, err := pgstore.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	st, err := gormstore.NewGormStore(cfg.Path, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func buildCandleStore(cfg config.DataConfig) (*candles.Store, error) {
	return candles.NewStore(cfg.CandleRoot)
}

func buildExchange(cfg config.ExchangeConfig) (*binance.Client, error) {
	logger.Infof("exchange %s enabled for balance/order fetch (%s)", cfg.Name, cfg.RESTBaseURL)
	return binance.New(binance.Config{
		RESTBaseURL:     cfg.RESTBaseURL,
		APIKey:          cfg.APIKey,
		APISecret:       cfg.APISecret,
		HTTPTimeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		RateLimitPerMin: cfg.RateLimitPerMin,
		ProxyEnabled:    cfg.Proxy.Enabled,
		RESTProxyURL:    cfg.Proxy.RESTURL,
	})
}

func readSchema(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read signal schema: %w", err)
	}
	return string(raw), nil
}
