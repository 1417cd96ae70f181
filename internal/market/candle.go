package market

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptySeries     = errors.New("candle series is empty")
	ErrUnorderedSeries = errors.New("candle timestamps must be strictly increasing")
)

// Candle 是单根 K 线；Index 为其在序列中的位置。
type Candle struct {
	Index     int             `json:"index"`
	OpenTime  int64           `json:"open_time"`
	CloseTime int64           `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Trades    int64           `json:"trades"`
}

func (c Candle) OpenAt() time.Time  { return time.UnixMilli(c.OpenTime).UTC() }
func (c Candle) CloseAt() time.Time { return time.UnixMilli(c.CloseTime).UTC() }

// CandleSeries 是构建后不可变的有序 K 线序列，最后一根视为未收盘。
type CandleSeries struct {
	symbol    string
	timeframe Timeframe
	candles   []Candle
}

// NewCandleSeries 校验时间戳严格递增并重新编号 Index。
func NewCandleSeries(symbol, timeframe string, candles []Candle) (*CandleSeries, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, ErrEmptySeries
	}
	list := make([]Candle, len(candles))
	copy(list, candles)
	for i := range list {
		list[i].Index = i
		if i > 0 && list[i].OpenTime <= list[i-1].OpenTime {
			return nil, fmt.Errorf("%w: index %d open_time %d after %d",
				ErrUnorderedSeries, i, list[i].OpenTime, list[i-1].OpenTime)
		}
		if list[i].CloseTime == 0 {
			list[i].CloseTime = list[i].OpenTime + tf.Millis() - 1
		}
	}
	return &CandleSeries{
		symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		timeframe: tf,
		candles:   list,
	}, nil
}

func (s *CandleSeries) Symbol() string       { return s.symbol }
func (s *CandleSeries) Timeframe() Timeframe { return s.timeframe }
func (s *CandleSeries) Len() int             { return len(s.candles) }

// At 返回第 i 根 K 线，越界会 panic。
func (s *CandleSeries) At(i int) Candle {
	return s.candles[i]
}

// Chart 返回截至第 i 根（含）的图表视图。
func (s *CandleSeries) Chart(i int) Chart {
	if i < 0 {
		i = 0
	}
	if i >= len(s.candles) {
		i = len(s.candles) - 1
	}
	return Chart{
		Symbol:    s.symbol,
		Timeframe: s.timeframe,
		Index:     i,
		Candles:   s.candles[: i+1 : i+1],
	}
}
