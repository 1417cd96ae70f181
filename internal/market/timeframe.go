package market

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Timeframe 描述 K 线周期（内部 duration + 交易所 interval）。
type Timeframe struct {
	Key            string
	Duration       time.Duration
	SourceInterval string
}

var supportedTimeframes = map[string]Timeframe{
	"1m":  {Key: "1m", Duration: time.Minute, SourceInterval: "1m"},
	"3m":  {Key: "3m", Duration: 3 * time.Minute, SourceInterval: "3m"},
	"5m":  {Key: "5m", Duration: 5 * time.Minute, SourceInterval: "5m"},
	"15m": {Key: "15m", Duration: 15 * time.Minute, SourceInterval: "15m"},
	"30m": {Key: "30m", Duration: 30 * time.Minute, SourceInterval: "30m"},
	"1h":  {Key: "1h", Duration: time.Hour, SourceInterval: "1h"},
	"4h":  {Key: "4h", Duration: 4 * time.Hour, SourceInterval: "4h"},
	"1d":  {Key: "1d", Duration: 24 * time.Hour, SourceInterval: "1d"},
	"1w":  {Key: "1w", Duration: 7 * 24 * time.Hour, SourceInterval: "1w"},
}

// ParseTimeframe 返回标准化周期定义。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	tf, ok := supportedTimeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %s", input)
	}
	return tf, nil
}

// SupportedTimeframes 返回所有支持的 key（排序后）。
func SupportedTimeframes() []string {
	keys := make([]string, 0, len(supportedTimeframes))
	for k := range supportedTimeframes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Millis 返回单根 K 线的毫秒跨度。
func (tf Timeframe) Millis() int64 {
	return tf.Duration.Milliseconds()
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// AlignRange 将输入的毫秒时间对齐到周期网格，保证 start<=end。
func (tf Timeframe) AlignRange(start, end int64) (int64, int64) {
	step := tf.Millis()
	if end < start {
		start, end = end, start
	}
	alStart := alignDown(start, step)
	alEnd := alignDown(end, step)
	if alEnd < alStart {
		alEnd = alStart
	}
	return alStart, alEnd
}

// ExpectedCandles 计算 start~end（含）区间应存在的 K 线数量。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	if end < start {
		return 0
	}
	step := tf.Millis()
	if step == 0 {
		return 0
	}
	return ((end - start) / step) + 1
}
