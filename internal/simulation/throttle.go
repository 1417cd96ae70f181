package simulation

import (
	"context"
	"math"

	"tradesim/internal/logger"
)

// FetchKind 区分独立节流的外部读取。
type FetchKind string

const (
	FetchBalances FetchKind = "balances"
	FetchOrders   FetchKind = "orders"
)

func (k FetchKind) slot() SlotName {
	if k == FetchOrders {
		return SlotOrders
	}
	return SlotBalances
}

// ThrottleRecord 是某类读取的节流状态。Fetched 为 false 时 LastFetch 恒为 0，
// Initial 只在首次成功时写入。
type ThrottleRecord struct {
	Kind                FetchKind
	LastFetch           int64
	Fetched             bool
	Initial             Payload
	Current             Payload
	Attempts            int
	Successes           int
	ConsecutiveFailures int
	LastError           string
}

// FetchFunc 是被节流包裹的外部调用。
type FetchFunc func(ctx context.Context) (Payload, error)

// FetchResult 中 Value 总是最近一次成功的数据。
type FetchResult struct {
	Triggered bool
	Updated   bool
	Value     Payload
	Record    *ThrottleRecord
}

// ThrottledFetcher 保证每类读取在 interval 分钟内至多尝试一次，失败不推进时间戳。
type ThrottledFetcher struct {
	log     logger.Module
	metrics *Metrics
}

func NewThrottledFetcher(metrics *Metrics) ThrottledFetcher {
	return ThrottledFetcher{log: logger.Named("Throttle"), metrics: metrics}
}

func minutesOrDefault(v float64) float64 {
	if v <= 0 || math.IsNaN(v) {
		return 1
	}
	return v
}

func minutesToMillis(minutes float64) int64 {
	return int64(math.Ceil(60000 * minutesOrDefault(minutes)))
}

// Due 判断 now 时刻是否应触发新的读取。
func (r *ThrottleRecord) Due(now int64, intervalMinutes float64) bool {
	return now > r.LastFetch+minutesToMillis(intervalMinutes)
}

func (f ThrottledFetcher) MaybeFetch(ctx context.Context, slots *Slots, kind FetchKind, now int64, intervalMinutes float64, fetch FetchFunc) FetchResult {
	rec, ok := LoadSlot[*ThrottleRecord](slots, kind.slot())
	if !ok {
		rec = &ThrottleRecord{Kind: kind}
		slots.Store(kind.slot(), rec)
	}
	res := FetchResult{Value: rec.Current, Record: rec}
	if !rec.Due(now, intervalMinutes) {
		return res
	}
	res.Triggered = true
	rec.Attempts++
	payload, err := fetch(ctx)
	if err == nil && payload.Empty() {
		err = ErrNoPayload
	}
	if err != nil {
		rec.ConsecutiveFailures++
		rec.LastError = err.Error()
		f.metrics.fetch(kind, "failure")
		f.log.Errorf("fetch %s failed (%d consecutive): %v, will retry next cycle", kind, rec.ConsecutiveFailures, err)
		return res
	}
	if !rec.Fetched {
		rec.Initial = payload
		rec.Fetched = true
		f.log.Infof("stored initial %s snapshot", kind)
	}
	rec.Current = payload
	rec.LastFetch = now
	rec.Successes++
	rec.ConsecutiveFailures = 0
	rec.LastError = ""
	f.metrics.fetch(kind, "success")
	f.log.Infof("stored current %s snapshot", kind)
	res.Updated = true
	res.Value = payload
	return res
}
