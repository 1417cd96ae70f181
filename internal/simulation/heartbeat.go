package simulation

import (
	"sync"
	"time"
)

// Heartbeat 是供外部轮询的进度标记。Previous 在首个心跳时为零值。
type Heartbeat struct {
	RunID       string    `json:"run_id"`
	Session     string    `json:"session"`
	CandleIndex int       `json:"candle_index"`
	LastIndex   int       `json:"last_index"`
	Current     time.Time `json:"current"`
	Previous    time.Time `json:"previous"`
}

type HeartbeatSink interface {
	Beat(Heartbeat)
}

// HeartbeatFunc 把普通函数适配为 HeartbeatSink。
type HeartbeatFunc func(Heartbeat)

func (f HeartbeatFunc) Beat(hb Heartbeat) {
	if f != nil {
		f(hb)
	}
}

// Heartbeats 将心跳扇出给多个 sink。
type Heartbeats []HeartbeatSink

func (hs Heartbeats) Beat(hb Heartbeat) {
	for _, s := range hs {
		if s != nil {
			s.Beat(hb)
		}
	}
}

// HeartbeatTracker 保存每个 session 的最新心跳。
type HeartbeatTracker struct {
	mu     sync.RWMutex
	latest map[string]Heartbeat
}

func NewHeartbeatTracker() *HeartbeatTracker {
	return &HeartbeatTracker{latest: make(map[string]Heartbeat)}
}

func (t *HeartbeatTracker) Beat(hb Heartbeat) {
	t.mu.Lock()
	t.latest[hb.Session] = hb
	t.mu.Unlock()
}

func (t *HeartbeatTracker) Latest(session string) (Heartbeat, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hb, ok := t.latest[session]
	return hb, ok
}
