package app

import (
	"context"
	"fmt"
	"strings"

	"tradesim/internal/gateway/binance"
	"tradesim/internal/logger"
	"tradesim/internal/market"
)

// SyncResult 描述一次 K 线同步的写入情况。
type SyncResult struct {
	Session  string
	Symbol   string
	Interval string
	Start    int64
	End      int64
	Inserted int
}

// marketData 返回交易所客户端；未启用拉取的配置也允许同步 K 线。
func (a *App) marketData() (*binance.Client, error) {
	if a.exchange != nil {
		return a.exchange, nil
	}
	client, err := buildExchange(a.cfg.Exchange)
	if err != nil {
		return nil, err
	}
	a.exchange = client
	return client, nil
}

// SyncCandles 从交易所下载会话时间窗口内的 K 线并写入本地库。
// 起点向前多取 slow_period 根，保证首根可交易 K 线的均线已就绪。
func (a *App) SyncCandles(ctx context.Context, name string) (SyncResult, error) {
	if a == nil || a.cfg == nil || a.candles == nil {
		return SyncResult{}, fmt.Errorf("app not initialized")
	}
	sc, ok := a.cfg.Session(name)
	if !ok {
		return SyncResult{}, fmt.Errorf("unknown session: %s", name)
	}
	tf, err := market.ParseTimeframe(sc.Timeframe)
	if err != nil {
		return SyncResult{}, err
	}
	initial, final, err := sc.TimeRange.Bounds()
	if err != nil {
		return SyncResult{}, fmt.Errorf("session %s: %w", sc.Name, err)
	}
	if initial.IsZero() || final.IsZero() {
		return SyncResult{}, fmt.Errorf("session %s: sync requires time_range.initial_datetime and final_datetime", sc.Name)
	}
	client, err := a.marketData()
	if err != nil {
		return SyncResult{}, err
	}
	start := initial.UnixMilli() - int64(sc.Strategy.SlowPeriod)*tf.Millis()
	if start < 0 {
		start = 0
	}
	end := final.UnixMilli()
	res := SyncResult{Session: sc.Name, Symbol: strings.ToUpper(sc.Symbol), Interval: tf.Key, Start: start, End: end}
	list, err := client.FetchRange(ctx, sc.Symbol, tf, start, end)
	if err != nil {
		return res, err
	}
	if len(list) == 0 {
		logger.Warnf("sync %s: exchange returned no candles for [%d,%d]", sc.Name, start, end)
		return res, nil
	}
	inserted, err := a.candles.InsertCandles(ctx, sc.Symbol, tf.Key, list)
	res.Inserted = inserted
	if err != nil {
		return res, fmt.Errorf("insert %s@%s: %w", res.Symbol, tf.Key, err)
	}
	logger.Infof("sync %s: %s@%s inserted %d candles [%d,%d]", sc.Name, res.Symbol, tf.Key, inserted, start, end)
	return res, nil
}

// SyncAll 依次同步全部会话，遇错即止。
func (a *App) SyncAll(ctx context.Context) ([]SyncResult, error) {
	if a == nil || a.cfg == nil {
		return nil, fmt.Errorf("app not initialized")
	}
	out := make([]SyncResult, 0, len(a.cfg.Sessions))
	for _, sc := range a.cfg.Sessions {
		res, err := a.SyncCandles(ctx, sc.Name)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

