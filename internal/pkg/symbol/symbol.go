// Package symbol 统一交易对写法：配置里可写 BTC/USDT、btc/usdt:usdt 或 BTCUSDT。
package symbol

import "strings"

var quoteCurrencies = []string{"USDT", "BUSD", "USDC", "TUSD", "FDUSD", "BTC", "ETH", "BNB"}

type Pair struct {
	Base  string
	Quote string
}

func (p Pair) Valid() bool { return p.Base != "" && p.Quote != "" }

// Exchange 返回 Binance 合约的拼接写法，例如 BTCUSDT。
func (p Pair) Exchange() string {
	if !p.Valid() {
		return ""
	}
	return p.Base + p.Quote
}

// Display 返回带斜杠的展示写法，例如 BTC/USDT。
func (p Pair) Display() string {
	if !p.Valid() {
		return ""
	}
	return p.Base + "/" + p.Quote
}

// Parse 拆分 base/quote；无法识别时返回零值。
func Parse(s string) Pair {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Pair{}
	}
	// 结算币后缀，如 ETH/USDT:USDT
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if parts := strings.SplitN(s, "/", 2); len(parts) == 2 {
		return Pair{Base: strings.TrimSpace(parts[0]), Quote: strings.TrimSpace(parts[1])}
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Pair{Base: s[:len(s)-len(quote)], Quote: quote}
		}
	}
	return Pair{}
}

// Normalize 返回交易所写法；无法拆分时退化为去空格大写。
func Normalize(s string) string {
	if p := Parse(s); p.Valid() {
		return p.Exchange()
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
