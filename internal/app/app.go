package app

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tradesim/internal/config"
	"tradesim/internal/gateway/binance"
	"tradesim/internal/logger"
	"tradesim/internal/records"
	"tradesim/internal/signals"
	"tradesim/internal/store/candles"
	simhttp "tradesim/internal/transport/http/sim"
)

// App 负责应用级编排：加载配置→初始化依赖→批量运行或提供 HTTP 服务。
type App struct {
	cfg         *config.Config
	store       records.RunStore
	candles     *candles.Store
	exchange    *binance.Client
	runner      *Runner
	http        *simhttp.Server
	broadcaster *signals.Broadcaster
	Summary     *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(ctx, cfg)
}

// RunAll 依次（按并发上限）运行全部会话后返回。
func (a *App) RunAll(ctx context.Context) ([]RunOutcome, error) {
	if a == nil || a.runner == nil {
		return nil, fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	return a.runner.RunAll(ctx)
}

// Serve 启动 HTTP 服务，会话由 POST /api/runs 触发；autoRun 时同时运行全部会话。
func (a *App) Serve(ctx context.Context, autoRun bool) error {
	if a == nil || a.runner == nil || a.http == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	a.runner.bindContext(ctx)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if autoRun {
		group.Go(func() error {
			outcomes, err := a.runner.RunAll(ctx)
			logger.Infof("auto run finished: %d sessions", len(outcomes))
			if err != nil {
				logger.Warnf("auto run: %v", err)
			}
			return nil
		})
	}
	err := group.Wait()
	a.runner.Wait()
	return err
}

// Runner 暴露运行器，CLI 用它挂载进度条。
func (a *App) Runner() *Runner {
	if a == nil {
		return nil
	}
	return a.runner
}

// Candles 暴露本地 K 线库，供 sync 命令写入。
func (a *App) Candles() *candles.Store {
	if a == nil {
		return nil
	}
	return a.candles
}

// Exchange 在任何会话开启拉取时非空。
func (a *App) Exchange() *binance.Client {
	if a == nil {
		return nil
	}
	return a.exchange
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.broadcaster != nil {
		a.broadcaster.Close()
	}
	var errs []error
	if a.candles != nil {
		errs = append(errs, a.candles.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
