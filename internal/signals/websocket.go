package signals

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tradesim/internal/logger"
)

const writeWait = 5 * time.Second

// Broadcaster 是双向 websocket 端点：出站信号广播给所有连接，
// 客户端发来的消息作为入站信号写入 Hub。
type Broadcaster struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      logger.Module

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool

	// gorilla 连接不支持并发写
	wmu sync.Mutex
}

var _ Publisher = (*Broadcaster)(nil)

func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logger.Named("SignalsWS"),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warnf("upgrade failed: %v", err)
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return
	}
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
	go b.readLoop(conn)
}

func (b *Broadcaster) readLoop(conn *websocket.Conn) {
	defer b.drop(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if b.hub == nil {
			continue
		}
		if err := b.hub.PublishRaw(data); err != nil {
			b.log.Warnf("rejected inbound signal: %v", err)
		}
	}
}

func (b *Broadcaster) drop(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
	_ = conn.Close()
}

// Clients 返回当前连接数。
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

func (b *Broadcaster) Publish(_ context.Context, sig Signal) error {
	data, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	b.wmu.Lock()
	defer b.wmu.Unlock()
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			b.log.Debugf("drop client after write error: %v", err)
			b.drop(c)
		}
	}
	return nil
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	conns := b.clients
	b.clients = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}
