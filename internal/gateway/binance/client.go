package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradesim/internal/logger"
	"tradesim/internal/market"
	sym "tradesim/internal/pkg/symbol"
	"tradesim/internal/simulation"
)

const maxHistoryLimit = 1500

// Client 基于 go-binance 合约 SDK 实现 simulation.ExchangeAPI 与历史 K 线下载。
type Client struct {
	cfg     Config
	client  *futures.Client
	limiter *rate.Limiter
	log     logger.Module
	nowFn   func() time.Time
}

var _ simulation.ExchangeAPI = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	perSecond := rate.Limit(float64(final.RateLimitPerMin) / 60)
	return &Client{
		cfg:     final,
		client:  client,
		limiter: rate.NewLimiter(perSecond, 1),
		log:     logger.Named("Binance"),
		nowFn:   time.Now,
	}, nil
}

type balancePayload struct {
	Total map[string]string   `json:"total"`
	Free  map[string]string   `json:"free"`
	Info  []*futures.Balance `json:"info"`
}

// FetchAllBalances 返回 {"total":{ASSET:..},"free":{ASSET:..},"info":[...]} 形式的快照。
func (c *Client) FetchAllBalances(ctx context.Context) (simulation.Payload, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	balances, err := c.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}
	if len(balances) == 0 {
		return nil, nil
	}
	out := balancePayload{
		Total: make(map[string]string, len(balances)),
		Free:  make(map[string]string, len(balances)),
		Info:  balances,
	}
	for _, b := range balances {
		if b == nil {
			continue
		}
		asset := strings.ToUpper(b.Asset)
		out.Total[asset] = b.Balance
		out.Free[asset] = b.AvailableBalance
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return simulation.Payload(raw), nil
}

// GetOrderHistory 查询 since 之后的订单；limit<=0 使用交易所默认值。
// params 支持 endTime(int64) 与 orderId(int64)。
func (c *Client) GetOrderHistory(ctx context.Context, symbol string, since int64, limit int, params map[string]any) (simulation.Payload, error) {
	symbol = sym.Normalize(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := c.client.NewListOrdersService().Symbol(symbol)
	if since > 0 {
		svc = svc.StartTime(since)
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	if v, ok := int64Param(params, "endTime"); ok {
		svc = svc.EndTime(v)
	}
	if v, ok := int64Param(params, "orderId"); ok {
		svc = svc.OrderID(v)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch order history: %w", err)
	}
	if orders == nil {
		orders = []*futures.Order{}
	}
	raw, err := json.Marshal(orders)
	if err != nil {
		return nil, err
	}
	return simulation.Payload(raw), nil
}

// FetchRange 分页下载 [start,end] 的已收盘 K 线。
func (c *Client) FetchRange(ctx context.Context, symbol string, tf market.Timeframe, start, end int64) ([]market.Candle, error) {
	symbol = sym.Normalize(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	start, end = tf.AlignRange(start, end)
	var out []market.Candle
	cursor := start
	for cursor <= end {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		kls, err := c.client.NewKlinesService().
			Symbol(symbol).
			Interval(tf.SourceInterval).
			StartTime(cursor).
			EndTime(end).
			Limit(maxHistoryLimit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch klines %s@%s: %w", symbol, tf.Key, err)
		}
		if len(kls) == 0 {
			break
		}
		last := cursor
		for _, kl := range kls {
			if kl == nil {
				continue
			}
			out = append(out, market.Candle{
				OpenTime:  kl.OpenTime,
				CloseTime: kl.CloseTime,
				Open:      parseDecimal(kl.Open),
				High:      parseDecimal(kl.High),
				Low:       parseDecimal(kl.Low),
				Close:     parseDecimal(kl.Close),
				Volume:    parseDecimal(kl.Volume),
				Trades:    kl.TradeNum,
			})
			last = kl.OpenTime
		}
		c.log.Debugf("fetched %d klines for %s@%s up to %d", len(kls), symbol, tf.Key, last)
		if len(kls) < maxHistoryLimit {
			break
		}
		cursor = last + tf.Millis()
	}
	return dropUnclosed(out, c.nowFn().UnixMilli()), nil
}

func dropUnclosed(list []market.Candle, now int64) []market.Candle {
	for len(list) > 0 && list[len(list)-1].CloseTime >= now {
		list = list[:len(list)-1]
	}
	return list
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func int64Param(params map[string]any, key string) (int64, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
