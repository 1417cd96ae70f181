package portfolio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradesim/internal/logger"
	"tradesim/internal/market"
	"tradesim/internal/simulation"
)

var (
	ErrDuplicateEntry = errors.New("portfolio: candle already checked in")
	ErrNotCheckedIn   = errors.New("portfolio: exit without matching entry")
	ErrStaleRun       = errors.New("portfolio: book belongs to another run")
)

// ExposureReporter 由交易系统实现，报告当前挂单/持仓数量。
type ExposureReporter interface {
	Exposure() decimal.Decimal
}

// Snapshot 是单个会话在组合中的视图。
type Snapshot struct {
	Session     string          `json:"session"`
	RunID       string          `json:"run_id,omitempty"`
	CandleIndex int             `json:"candle_index"`
	CheckedIn   bool            `json:"checked_in"`
	Exposure    decimal.Decimal `json:"exposure"`
	Entries     int             `json:"entries"`
	Exits       int             `json:"exits"`
	Abandoned   int             `json:"abandoned"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Manager 是进程内的组合管理器，多个会话共享同一实例。
type Manager struct {
	mu    sync.Mutex
	books map[string]*Snapshot
	nowFn func() time.Time
	log   logger.Module
}

func NewManager() *Manager {
	return &Manager{
		books: make(map[string]*Snapshot),
		nowFn: time.Now,
		log:   logger.Named("Portfolio"),
	}
}

// Client 返回绑定到会话的 simulation.PortfolioManager，不切换运行。
func (m *Manager) Client(session string) *Client {
	return &Client{manager: m, session: strings.TrimSpace(session)}
}

// Begin 为新一次运行重置会话账本并返回绑定该运行的 Client。
// 上一次运行若中途失败会停在签入状态，这里一并丢弃。
func (m *Manager) Begin(session, runID string) *Client {
	session = strings.TrimSpace(session)
	m.mu.Lock()
	if old := m.books[session]; old != nil && old.CheckedIn {
		m.log.Warnf("session %s: run %s left candle %d checked in, reset for run %s",
			session, old.RunID, old.CandleIndex, runID)
	}
	m.books[session] = &Snapshot{Session: session, RunID: runID, UpdatedAt: m.nowFn()}
	m.mu.Unlock()
	return &Client{manager: m, session: session, runID: runID}
}

// bookFor 返回会话账本；调用方需持有 m.mu。
func (m *Manager) bookFor(session, runID string) (*Snapshot, error) {
	book := m.books[session]
	if book == nil {
		book = &Snapshot{Session: session, RunID: runID}
		m.books[session] = book
	}
	if book.RunID != runID {
		return nil, fmt.Errorf("%w: session=%s run=%s current=%s", ErrStaleRun, session, runID, book.RunID)
	}
	return book, nil
}

func (m *Manager) checkIn(session, runID string, candle market.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, err := m.bookFor(session, runID)
	if err != nil {
		return err
	}
	if book.CheckedIn {
		if book.CandleIndex == candle.Index {
			return fmt.Errorf("%w: session=%s candle=%d", ErrDuplicateEntry, session, candle.Index)
		}
		// 上一根 K 线未走退出路径（例如尚未到达起始时间）
		book.Abandoned++
		m.log.Debugf("session %s: candle %d left without exit", session, book.CandleIndex)
	}
	book.CheckedIn = true
	book.CandleIndex = candle.Index
	book.Entries++
	book.UpdatedAt = m.nowFn()
	return nil
}

func (m *Manager) checkOut(session, runID string, candle market.Candle, exposure decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, err := m.bookFor(session, runID)
	if err != nil {
		return err
	}
	if !book.CheckedIn || book.CandleIndex != candle.Index {
		return fmt.Errorf("%w: session=%s candle=%d", ErrNotCheckedIn, session, candle.Index)
	}
	book.CheckedIn = false
	book.Exposure = exposure
	book.Exits++
	book.UpdatedAt = m.nowFn()
	return nil
}

func (m *Manager) Snapshot(session string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[strings.TrimSpace(session)]
	if !ok {
		return Snapshot{}, false
	}
	return *book, true
}

// Snapshots 按会话名排序返回全部视图。
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.books))
	for _, book := range m.books {
		out = append(out, *book)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session < out[j].Session })
	return out
}

func (m *Manager) TotalExposure() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, book := range m.books {
		total = total.Add(book.Exposure)
	}
	return total
}

// Client 实现 simulation.PortfolioManager。
type Client struct {
	manager *Manager
	session string
	runID   string
}

var _ simulation.PortfolioManager = (*Client)(nil)

func (c *Client) SyncEntry(_ context.Context, _ simulation.TradingSystem, candle market.Candle) error {
	return c.manager.checkIn(c.session, c.runID, candle)
}

func (c *Client) SyncExit(_ context.Context, system simulation.TradingSystem, candle market.Candle) error {
	exposure := decimal.Zero
	if rep, ok := system.(ExposureReporter); ok {
		exposure = rep.Exposure()
	}
	return c.manager.checkOut(c.session, c.runID, candle, exposure)
}
