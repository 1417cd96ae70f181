package signals

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	KindEntry = "entry"
	KindExit  = "exit"
	KindReady = "ready"
	KindNote  = "note"
)

// Signal 是会话之间传递的交易信号；KindReady 仅标记某根 K 线的信号已全部送达。
type Signal struct {
	ID          string          `json:"id,omitempty"`
	Session     string          `json:"session"`
	CandleIndex int             `json:"candle_index"`
	Kind        string          `json:"kind"`
	Symbol      string          `json:"symbol,omitempty"`
	Side        string          `json:"side,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Time        int64           `json:"time,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
}

func (s Signal) normalized() Signal {
	s.Session = strings.TrimSpace(s.Session)
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Side = strings.ToLower(strings.TrimSpace(s.Side))
	return s
}

// Receiver 由交易系统实现，用于接收外部信号。
type Receiver interface {
	ReceiveSignals(ctx context.Context, list []Signal) error
}

// Emitter 由交易系统实现，返回并清空本根 K 线产生的信号。
type Emitter interface {
	DrainSignals() []Signal
}

// Publisher 是出站信号的去向。
type Publisher interface {
	Publish(ctx context.Context, sig Signal) error
}

// Publishers 顺序扇出到多个 Publisher，遇错即返回。
type Publishers []Publisher

func (p Publishers) Publish(ctx context.Context, sig Signal) error {
	for _, pub := range p {
		if pub == nil {
			continue
		}
		if err := pub.Publish(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}

// Retarget 把出站信号改投到另一个会话，用于会话间转发。
type Retarget struct {
	Session string
	Next    Publisher
}

func (r Retarget) Publish(ctx context.Context, sig Signal) error {
	if r.Next == nil {
		return nil
	}
	if r.Session != "" {
		sig.Session = r.Session
	}
	return r.Next.Publish(ctx, sig)
}
