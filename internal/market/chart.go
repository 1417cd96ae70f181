package market

// Chart 是策略可见的只读 K 线窗口，Candles[len-1] 即当前 K 线。
type Chart struct {
	Symbol    string
	Timeframe Timeframe
	Index     int
	Candles   []Candle
}

func (c Chart) Len() int { return len(c.Candles) }

func (c Chart) Last() (Candle, bool) {
	if len(c.Candles) == 0 {
		return Candle{}, false
	}
	return c.Candles[len(c.Candles)-1], true
}

// Closes 返回收盘价 float64 序列，供 talib 计算指标。
func (c Chart) Closes() []float64 {
	out := make([]float64, len(c.Candles))
	for i, candle := range c.Candles {
		out[i] = candle.Close.InexactFloat64()
	}
	return out
}
