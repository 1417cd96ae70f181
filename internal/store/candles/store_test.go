package candles

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/market"
)

func sampleCandles() []market.Candle {
	out := make([]market.Candle, 4)
	for i := range out {
		open := int64(i) * 60_000
		out[i] = market.Candle{
			OpenTime:  open,
			CloseTime: open + 59_999,
			Open:      decimal.RequireFromString("100.5"),
			High:      decimal.NewFromInt(102),
			Low:       decimal.NewFromInt(99),
			Close:     decimal.NewFromInt(int64(100 + i)),
			Volume:    decimal.NewFromInt(10),
			Trades:    int64(i),
		}
	}
	return out
}

func TestStoreInsertAndLoadSeries(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	n, err := store.InsertCandles(ctx, "btcusdt", "1m", sampleCandles())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	// 重复写入覆盖而非追加
	_, err = store.InsertCandles(ctx, "BTCUSDT", "1m", sampleCandles()[:1])
	require.NoError(t, err)

	m, err := store.Manifest(ctx, "BTCUSDT", "1m")
	require.NoError(t, err)
	assert.Equal(t, int64(4), m.Rows)
	assert.Equal(t, int64(180_000), m.MaxTime)
	assert.Equal(t, "BTCUSDT", m.Symbol)
	assert.Equal(t, "1m", m.Timeframe)
	assert.Positive(t, m.LastSyncAt)

	series, err := store.LoadSeries(ctx, "BTCUSDT", "1m", 0, 0)
	require.NoError(t, err)
	require.Equal(t, 4, series.Len())
	assert.Equal(t, 3, series.At(3).Index)
	assert.Equal(t, "100.5", series.At(0).Open.String())
	assert.Equal(t, "103", series.At(3).Close.String())

	window, err := store.RangeCandles(ctx, "BTCUSDT", "1m", 120_000, 60_000)
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestStoreLoadSeriesEmpty(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.LoadSeries(context.Background(), "ETHUSDT", "1h", 0, 0)
	assert.ErrorIs(t, err, market.ErrEmptySeries)
}

func TestStoreKeepsDecimalPrecision(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	// float64 只有约 16 位有效数字，这些值存成 REAL 会被截断
	c := market.Candle{
		OpenTime:  0,
		CloseTime: 59_999,
		Open:      decimal.RequireFromString("0.123456789012345678"),
		High:      decimal.RequireFromString("98765432109876.54321"),
		Low:       decimal.RequireFromString("0.000000000000000001"),
		Close:     decimal.RequireFromString("12345.678901234567890"),
		Volume:    decimal.RequireFromString("1e-20"),
	}
	_, err = store.InsertCandles(ctx, "SHIBUSDT", "1m", []market.Candle{c})
	require.NoError(t, err)

	got, err := store.RangeCandles(ctx, "SHIBUSDT", "1m", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, c.Open.Equal(got[0].Open), got[0].Open.String())
	assert.True(t, c.High.Equal(got[0].High), got[0].High.String())
	assert.True(t, c.Low.Equal(got[0].Low), got[0].Low.String())
	assert.True(t, c.Close.Equal(got[0].Close), got[0].Close.String())
	assert.True(t, c.Volume.Equal(got[0].Volume), got[0].Volume.String())
	assert.Equal(t, "0.123456789012345678", got[0].Open.String())
}

func TestStoreReopensExistingFile(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	first, err := NewStore(root)
	require.NoError(t, err)
	_, err = first.InsertCandles(ctx, "BTCUSDT", "1m", sampleCandles())
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewStore(root)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	series, err := second.LoadSeries(ctx, "btcusdt", "1M", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, series.Len())
}
