package pgstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/records"
)

func TestNullJSON(t *testing.T) {
	assert.Nil(t, nullJSON(nil))
	assert.Equal(t, []byte(`{}`), nullJSON([]byte(`{}`)))
}

func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("TRADESIM_PG_DSN")
	if dsn == "" {
		t.Skip("TRADESIM_PG_DSN not set")
	}
	ctx := context.Background()
	store, err := New(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	runID := uuid.NewString()
	require.NoError(t, store.SaveRun(ctx, records.RunRecord{RunID: runID, Session: "pg", Symbol: "btcusdt", Timeframe: "1h", Status: records.RunRunning}))
	require.NoError(t, store.WriteRecords(ctx, []records.Record{{
		ID: uuid.NewString(), RunID: runID, Kind: records.KindOrderCreated,
		Price: decimal.RequireFromString("42000.25"), Quantity: decimal.RequireFromString("0.01"),
	}}))

	run, err := store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, records.RunRunning, run.Status)

	recs, err := store.ListRecords(ctx, runID, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, decimal.RequireFromString("42000.25").Equal(recs[0].Price))
}
