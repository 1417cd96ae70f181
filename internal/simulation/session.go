package simulation

import (
	"errors"
	"strings"
	"time"
)

// TimeRange 限定模拟时间窗口，零值表示不限。
type TimeRange struct {
	Initial time.Time
	Final   time.Time
}

// FetchOptions 对应 session 的 user_defined 参数，分钟数 <= 0 时按 1 分钟处理。
type FetchOptions struct {
	FetchBalance    bool
	BalanceInterval float64
	FetchOrders     bool
	OrdersInterval  float64
	OrdersTimeSpan  float64
}

// Session 是单次运行的上下文对象，构建一次后贯穿所有组件。
type Session struct {
	RunID               string
	Name                string
	Symbol              string
	ExchangeName        string
	MarketName          string
	StartIndex          int
	MaxGapCandles       int
	TimeRange           TimeRange
	Fetch               FetchOptions
	BalanceProgressPath string

	System      TradingSystem
	ExchangeAPI ExchangeAPI
	Incoming    IncomingSignals
	Outgoing    OutgoingSignals
	Portfolio   PortfolioManager
	Records     TradingRecords
	Heartbeat   HeartbeatSink
}

func (s Session) normalize() (Session, error) {
	if s.System == nil {
		return s, errors.New("session requires a trading system")
	}
	if (s.Fetch.FetchBalance || s.Fetch.FetchOrders) && s.ExchangeAPI == nil {
		return s, errors.New("fetch enabled but no exchange api configured")
	}
	if strings.TrimSpace(s.Name) == "" {
		s.Name = "default"
	}
	if s.Incoming == nil {
		s.Incoming = noopIncoming{}
	}
	if s.Outgoing == nil {
		s.Outgoing = noopOutgoing{}
	}
	if s.Portfolio == nil {
		s.Portfolio = noopPortfolio{}
	}
	if s.Records == nil {
		s.Records = noopRecords{}
	}
	if s.Heartbeat == nil {
		s.Heartbeat = Heartbeats(nil)
	}
	s.Fetch.BalanceInterval = minutesOrDefault(s.Fetch.BalanceInterval)
	s.Fetch.OrdersInterval = minutesOrDefault(s.Fetch.OrdersInterval)
	s.Fetch.OrdersTimeSpan = minutesOrDefault(s.Fetch.OrdersTimeSpan)
	return s, nil
}
