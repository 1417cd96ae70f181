package records

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradesim/internal/logger"
)

// Kind 是交易记录类别。
type Kind string

const (
	KindOrderCreated  Kind = "order_created"
	KindOrderFilled   Kind = "order_filled"
	KindOrderCanceled Kind = "order_canceled"
	KindPosition      Kind = "position"
	KindStop          Kind = "stop"
)

// Record 是一条交易输出记录。
type Record struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Session     string          `json:"session"`
	CandleIndex int             `json:"candle_index"`
	Phase       string          `json:"phase"`
	Kind        Kind            `json:"kind"`
	Time        int64           `json:"time"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Note        string          `json:"note,omitempty"`
	Payload     map[string]any  `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Buffer 是策略侧的待写记录累积区。
type Buffer struct {
	mu      sync.Mutex
	pending []Record
}

func NewBuffer() *Buffer { return &Buffer{} }

// Add 补齐 ID 与 CreatedAt 后入队。
func (b *Buffer) Add(rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.pending = append(b.pending, rec)
	b.mu.Unlock()
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Buffer) Drain() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

// Sink 是记录的持久化目标。
type Sink interface {
	WriteRecords(ctx context.Context, recs []Record) error
}

// Appender 把 Buffer 中的记录分批写入 Sink，空缓冲为空操作。
type Appender struct {
	buf     *Buffer
	sink    Sink
	batch   int
	written int
	log     logger.Module
}

func NewAppender(buf *Buffer, sink Sink, batchSize int) *Appender {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Appender{buf: buf, sink: sink, batch: batchSize, log: logger.Named("Records")}
}

func (a *Appender) AppendRecords(ctx context.Context) error {
	recs := a.buf.Drain()
	if len(recs) == 0 || a.sink == nil {
		return nil
	}
	for start := 0; start < len(recs); start += a.batch {
		end := min(start+a.batch, len(recs))
		if err := a.sink.WriteRecords(ctx, recs[start:end]); err != nil {
			return err
		}
		a.written += end - start
	}
	a.log.Debugf("appended %d records (total %d)", len(recs), a.written)
	return nil
}

func (a *Appender) Written() int { return a.written }

// MemorySink 保存在内存中，主要用于测试与 dry-run。
type MemorySink struct {
	mu   sync.Mutex
	recs []Record
}

func (m *MemorySink) WriteRecords(_ context.Context, recs []Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, recs...)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...)
}
