package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":       "BTCUSDT",
		" btc/usdt ":    "BTCUSDT",
		"eth/usdt:usdt": "ETHUSDT",
		"solfdusd":      "SOLFDUSD",
		"weird":         "WEIRD",
		"":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, Normalize(in), in)
	}
}

func TestParse(t *testing.T) {
	p := Parse("ethbtc")
	assert.Equal(t, Pair{Base: "ETH", Quote: "BTC"}, p)
	assert.Equal(t, "ETH/BTC", p.Display())
	assert.False(t, Parse("USDT").Valid())
}
