package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"tradesim/internal/app"
	tscfg "tradesim/internal/config"
	"tradesim/internal/logger"
	"tradesim/internal/simulation"
)

func main() {
	cfgPath := os.Getenv("TRADESIM_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/tradesim.yaml"
	}
	// 命令行帮助、启动摘要与 log.Fatalf 用中文；logger 与返回的 error 统一英文。
	flag.StringVar(&cfgPath, "config", cfgPath, "配置文件路径")
	mode := flag.String("mode", "run", "运行模式：run | serve | sync")
	autoRun := flag.Bool("auto-run", false, "serve 模式下启动即运行全部会话")
	session := flag.String("session", "", "sync 模式只同步指定会话")
	noProgress := flag.Bool("no-progress", false, "run 模式关闭进度条")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := tscfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("config loaded: env=%s sessions=%d", cfg.App.Env, len(cfg.Sessions))

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer application.Close()

	switch strings.ToLower(strings.TrimSpace(*mode)) {
	case "run":
		var bars *progressBars
		if !*noProgress {
			bars = newProgressBars(os.Stderr)
			application.Runner().AddHeartbeatSink(bars)
		}
		outcomes, err := application.RunAll(ctx)
		bars.finish()
		for _, out := range outcomes {
			if out.Err != nil {
				logger.Errorf("session %s (%s) failed: %v", out.Session, out.RunID, out.Err)
				continue
			}
			s := out.Summary
			logger.Infof("session %s (%s) processed=%d stop=%s balance_progress=%v",
				out.Session, out.RunID, s.CandlesProcessed, s.Stop, s.BalanceProgress)
		}
		if err != nil {
			log.Fatalf("运行失败: %v", err)
		}
	case "serve":
		if err := application.Serve(ctx, *autoRun); err != nil {
			log.Fatalf("服务退出: %v", err)
		}
	case "sync":
		if *session != "" {
			res, err := application.SyncCandles(ctx, *session)
			if err != nil {
				log.Fatalf("同步失败: %v", err)
			}
			logger.Infof("sync %s done: %d candles", res.Session, res.Inserted)
			return
		}
		results, err := application.SyncAll(ctx)
		for _, res := range results {
			logger.Infof("sync %s done: %d candles", res.Session, res.Inserted)
		}
		if err != nil {
			log.Fatalf("同步失败: %v", err)
		}
	default:
		log.Fatalf("未知模式: %s", *mode)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}

// progressBars 每个会话一条进度条，由心跳驱动。
type progressBars struct {
	mu   sync.Mutex
	out  io.Writer
	bars map[string]*progressbar.ProgressBar
}

func newProgressBars(out io.Writer) *progressBars {
	return &progressBars{out: out, bars: make(map[string]*progressbar.ProgressBar)}
}

func (p *progressBars) Beat(hb simulation.Heartbeat) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.bars[hb.Session]
	if !ok {
		bar = progressbar.NewOptions(hb.LastIndex+1,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionShowCount(),
			progressbar.OptionSetDescription(fmt.Sprintf("[cyan]%s[reset]", hb.Session)),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "[green]=[reset]",
				SaucerHead:    "[green]>[reset]",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}))
		p.bars[hb.Session] = bar
	}
	_ = bar.Set(hb.CandleIndex + 1)
}

func (p *progressBars) finish() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, bar := range p.bars {
		_ = bar.Finish()
	}
}

var _ simulation.HeartbeatSink = (*progressBars)(nil)
