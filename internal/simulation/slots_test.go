package simulation

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotsPresenceTagging(t *testing.T) {
	var slots Slots
	_, ok := slots.Load(SlotBalances)
	assert.False(t, ok)

	slots.Store(SlotBalanceProgress, decimal.Zero)
	v, ok := LoadSlot[decimal.Decimal](&slots, SlotBalanceProgress)
	require.True(t, ok, "a stored zero value is still populated")
	assert.True(t, v.IsZero())

	_, ok = LoadSlot[*ThrottleRecord](&slots, SlotBalanceProgress)
	assert.False(t, ok)
	assert.Equal(t, []SlotName{SlotBalanceProgress}, slots.Names())
}

func TestBalanceProgress(t *testing.T) {
	initial := Payload(`{"total":{"USDT":"250.5"},"info":{"totalWalletBalance":1000}}`)
	current := Payload(`{"total":{"USDT":"200.4"},"info":{"totalWalletBalance":1250}}`)

	pct, err := BalanceProgress(initial, current, "info.totalWalletBalance")
	require.NoError(t, err)
	assert.Equal(t, "25.00", pct.StringFixed(2))

	pct, err = BalanceProgress(initial, current, "total.USDT")
	require.NoError(t, err)
	assert.Equal(t, "-20.00", pct.StringFixed(2))

	_, err = BalanceProgress(initial, current, "total.BTC")
	assert.Error(t, err)
	_, err = BalanceProgress(Payload(`{"x":0}`), Payload(`{"x":1}`), "x")
	assert.Error(t, err)
	_, err = BalanceProgress(initial, current, " ")
	assert.Error(t, err)
}

func TestPayloadEmpty(t *testing.T) {
	assert.True(t, Payload(nil).Empty())
	assert.True(t, Payload(" null ").Empty())
	assert.False(t, Payload(`[]`).Empty())
}
