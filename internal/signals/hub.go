package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultSchema 约束入站信号的最小结构。
const DefaultSchema = `{
  "type": "object",
  "required": ["session", "candle_index", "kind"],
  "properties": {
    "session": {"type": "string", "minLength": 1},
    "candle_index": {"type": "integer", "minimum": 0},
    "kind": {"enum": ["entry", "exit", "ready", "note"]},
    "side": {"enum": ["buy", "sell", ""]},
    "symbol": {"type": "string"}
  }
}`

type queue struct {
	pending []Signal
	ready   map[int]bool
}

// Hub 按会话缓存入站信号，并在发布时唤醒等待者。
type Hub struct {
	schema *jsonschema.Schema

	mu     sync.Mutex
	queues map[string]*queue
	notify chan struct{}
}

// NewHub 编译 schema；schema 为空时使用 DefaultSchema。
func NewHub(schema string) (*Hub, error) {
	if strings.TrimSpace(schema) == "" {
		schema = DefaultSchema
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("compile signal schema: %w", err)
	}
	return &Hub{
		schema: compiled,
		queues: make(map[string]*queue),
		notify: make(chan struct{}),
	}, nil
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// PublishRaw 校验并入队一条 JSON 信号。
func (h *Hub) PublishRaw(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	if err := h.schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}
	h.enqueue(sig)
	return nil
}

// Publish 让 Hub 同时充当出站 Publisher，用于会话间回环。
func (h *Hub) Publish(_ context.Context, sig Signal) error {
	raw, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return h.PublishRaw(raw)
}

func (h *Hub) enqueue(sig Signal) {
	sig = sig.normalized()
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	h.mu.Lock()
	q := h.queues[sig.Session]
	if q == nil {
		q = &queue{ready: make(map[int]bool)}
		h.queues[sig.Session] = q
	}
	if sig.Kind == KindReady {
		q.ready[sig.CandleIndex] = true
	} else {
		q.pending = append(q.pending, sig)
	}
	close(h.notify)
	h.notify = make(chan struct{})
	h.mu.Unlock()
}

// Reset 丢弃会话残留的待处理信号与 ready 标记，返回丢弃条数。
func (h *Hub) Reset(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	session = strings.TrimSpace(session)
	q := h.queues[session]
	if q == nil {
		return 0
	}
	dropped := len(q.pending) + len(q.ready)
	delete(h.queues, session)
	return dropped
}

// Take 取出 candleIndex 及之前的待处理信号；ready 表示该 K 线已被标记送达。
func (h *Hub) Take(session string, candleIndex int) (list []Signal, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.takeLocked(session, candleIndex)
}

func (h *Hub) takeLocked(session string, candleIndex int) ([]Signal, bool) {
	q := h.queues[strings.TrimSpace(session)]
	if q == nil {
		return nil, false
	}
	var out, rest []Signal
	for _, sig := range q.pending {
		if sig.CandleIndex <= candleIndex {
			out = append(out, sig)
		} else {
			rest = append(rest, sig)
		}
	}
	q.pending = rest
	ready := q.ready[candleIndex]
	delete(q.ready, candleIndex)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CandleIndex < out[j].CandleIndex })
	return out, ready
}

// Wait 阻塞直到 candleIndex 被标记 ready 或 ctx 结束，返回期间收集到的信号。
func (h *Hub) Wait(ctx context.Context, session string, candleIndex int) ([]Signal, bool) {
	var collected []Signal
	for {
		h.mu.Lock()
		list, ready := h.takeLocked(session, candleIndex)
		notify := h.notify
		h.mu.Unlock()
		collected = append(collected, list...)
		if ready {
			return collected, true
		}
		select {
		case <-ctx.Done():
			return collected, false
		case <-notify:
		}
	}
}
