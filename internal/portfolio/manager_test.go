package portfolio

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesim/internal/market"
	"tradesim/internal/simulation"
)

type exposedSystem struct {
	simulation.TradingSystem
	qty decimal.Decimal
}

func (s exposedSystem) Exposure() decimal.Decimal { return s.qty }

func TestEntryExitCycle(t *testing.T) {
	m := NewManager()
	c := m.Client("s1")
	ctx := context.Background()
	sys := exposedSystem{qty: decimal.NewFromInt(3)}

	require.NoError(t, c.SyncEntry(ctx, sys, market.Candle{Index: 0}))
	require.NoError(t, c.SyncExit(ctx, sys, market.Candle{Index: 0}))
	require.NoError(t, c.SyncEntry(ctx, sys, market.Candle{Index: 1}))

	snap, ok := m.Snapshot("s1")
	require.True(t, ok)
	assert.True(t, snap.CheckedIn)
	assert.Equal(t, 2, snap.Entries)
	assert.Equal(t, 1, snap.Exits)
	assert.True(t, decimal.NewFromInt(3).Equal(snap.Exposure))
}

func TestDuplicateEntryRejected(t *testing.T) {
	m := NewManager()
	c := m.Client("s1")
	ctx := context.Background()
	require.NoError(t, c.SyncEntry(ctx, exposedSystem{}, market.Candle{Index: 4}))
	err := c.SyncEntry(ctx, exposedSystem{}, market.Candle{Index: 4})
	assert.ErrorIs(t, err, ErrDuplicateEntry)
}

func TestExitWithoutEntryRejected(t *testing.T) {
	m := NewManager()
	c := m.Client("s1")
	err := c.SyncExit(context.Background(), exposedSystem{}, market.Candle{Index: 2})
	assert.ErrorIs(t, err, ErrNotCheckedIn)
}

func TestSkippedExitCountsAbandoned(t *testing.T) {
	m := NewManager()
	c := m.Client("s1")
	ctx := context.Background()
	require.NoError(t, c.SyncEntry(ctx, exposedSystem{}, market.Candle{Index: 0}))
	require.NoError(t, c.SyncEntry(ctx, exposedSystem{}, market.Candle{Index: 1}))
	snap, _ := m.Snapshot("s1")
	assert.Equal(t, 1, snap.Abandoned)
}

func TestTotalExposureAcrossSessions(t *testing.T) {
	m := NewManager()
	ctx := context.Background()
	for i, name := range []string{"b", "a"} {
		c := m.Client(name)
		sys := exposedSystem{qty: decimal.NewFromInt(int64(i + 1))}
		require.NoError(t, c.SyncEntry(ctx, sys, market.Candle{Index: 0}))
		require.NoError(t, c.SyncExit(ctx, sys, market.Candle{Index: 0}))
	}
	assert.True(t, decimal.NewFromInt(3).Equal(m.TotalExposure()))
	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Session)
}

func TestBeginDiscardsBookOfFailedRun(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	// 第一次运行在签入后失败，没有走退出路径
	first := m.Begin("s1", "run-1")
	require.NoError(t, first.SyncEntry(ctx, exposedSystem{}, market.Candle{Index: 0}))

	second := m.Begin("s1", "run-2")
	require.NoError(t, second.SyncEntry(ctx, exposedSystem{}, market.Candle{Index: 0}))
	require.NoError(t, second.SyncExit(ctx, exposedSystem{}, market.Candle{Index: 0}))

	snap, ok := m.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, "run-2", snap.RunID)
	assert.Equal(t, 1, snap.Entries)
	assert.Equal(t, 1, snap.Exits)
	assert.Zero(t, snap.Abandoned)

	err := first.SyncExit(ctx, exposedSystem{}, market.Candle{Index: 0})
	assert.ErrorIs(t, err, ErrStaleRun)
}
