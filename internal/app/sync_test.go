package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/config"
)

func klinesServer(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/fapi/v1/klines"))
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "0", r.URL.Query().Get("startTime"))
		_, _ = w.Write([]byte(`[
			[0,"1","2","0.5","1.5","10",59999,"15",3,"5","7","0"],
			[60000,"1.5","2.5","1","2","11",119999,"22",4,"5","7","0"]
		]`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func syncConfig(t *testing.T, srv *httptest.Server) *config.Config {
	sc := testSession("btc", "BTCUSDT")
	sc.TimeRange.InitialDatetime = "1970-01-01 00:03:00"
	sc.TimeRange.FinalDatetime = "1970-01-01 00:05:00"
	cfg := testConfig(t.TempDir(), sc)
	cfg.Exchange.RESTBaseURL = srv.URL
	cfg.Exchange.RateLimitPerMin = 60000
	return cfg
}

func TestSyncCandlesWritesLocalStore(t *testing.T) {
	cfg := syncConfig(t, klinesServer(t))
	app, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer app.Close()
	app.Summary.out = io.Discard

	res, err := app.SyncCandles(context.Background(), "btc")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, int64(0), res.Start)
	assert.Equal(t, int64(300000), res.End)

	series, err := app.Candles().LoadSeries(context.Background(), "BTCUSDT", "1m", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, series.Len())
	assert.NotNil(t, app.Exchange())
}

func TestSyncCandlesRequiresTimeRange(t *testing.T) {
	cfg := testConfig(t.TempDir(), testSession("btc", "BTCUSDT"))
	app, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer app.Close()

	_, err = app.SyncCandles(context.Background(), "btc")
	assert.ErrorContains(t, err, "time_range")

	_, err = app.SyncCandles(context.Background(), "missing")
	assert.ErrorContains(t, err, "unknown session")
}

func TestSyncCandlesReportsInsertFailure(t *testing.T) {
	cfg := syncConfig(t, klinesServer(t))
	app, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer app.Close()

	// 占住 symbol 目录，让 K 线库无法建文件
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Data.CandleRoot, "BTCUSDT"), nil, 0o644))

	res, err := app.SyncCandles(context.Background(), "btc")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "insert BTCUSDT@1m: "), err.Error())
	assert.Zero(t, res.Inserted)
}
