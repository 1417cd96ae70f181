package simulation

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var hundred = decimal.NewFromInt(100)

// BalanceProgress 返回 path 处数值相对初始快照的百分比变化 (current/initial - 1) * 100。
func BalanceProgress(initial, current Payload, path string) (decimal.Decimal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return decimal.Zero, fmt.Errorf("balance progress path is empty")
	}
	start, err := decimalAt(initial, path)
	if err != nil {
		return decimal.Zero, fmt.Errorf("initial balances: %w", err)
	}
	if start.IsZero() {
		return decimal.Zero, fmt.Errorf("initial balance at %q is zero", path)
	}
	now, err := decimalAt(current, path)
	if err != nil {
		return decimal.Zero, fmt.Errorf("current balances: %w", err)
	}
	return now.Div(start).Sub(decimal.NewFromInt(1)).Mul(hundred), nil
}

func decimalAt(p Payload, path string) (decimal.Decimal, error) {
	res := gjson.GetBytes(p, path)
	if !res.Exists() {
		return decimal.Zero, fmt.Errorf("path %q not found", path)
	}
	d, err := decimal.NewFromString(strings.TrimSpace(res.String()))
	if err != nil {
		return decimal.Zero, fmt.Errorf("path %q is not numeric: %w", path, err)
	}
	return d, nil
}
