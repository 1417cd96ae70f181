package candles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"tradesim/internal/market"
)

// schemaVersion 写入 PRAGMA user_version；价格列为 TEXT，按 decimal 原文保存。
const schemaVersion = 2

var schema = []string{
	`CREATE TABLE IF NOT EXISTS bars (
		open_time  INTEGER PRIMARY KEY,
		close_time INTEGER NOT NULL,
		open       TEXT NOT NULL,
		high       TEXT NOT NULL,
		low        TEXT NOT NULL,
		close      TEXT NOT NULL,
		volume     TEXT NOT NULL,
		trades     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// ErrSchemaVersion 表示数据文件由更新版本的程序写入。
var ErrSchemaVersion = errors.New("candles: unsupported schema version")

// Manifest 是某个 symbol@timeframe 文件的统计信息。
type Manifest struct {
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

type seriesFile struct {
	symbol    string
	timeframe string
	path      string
	db        *sql.DB
}

// Store 以 root/SYMBOL/timeframe.db 的布局保存历史 K 线，每个文件一个连接。
type Store struct {
	root string

	mu    sync.Mutex
	files map[string]*seriesFile
	nowFn func() time.Time
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("candle root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, files: make(map[string]*seriesFile), nowFn: time.Now}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for key, f := range s.files {
		errs = append(errs, f.db.Close())
		delete(s.files, key)
	}
	return errors.Join(errs...)
}

func (s *Store) open(symbol, timeframe string) (*seriesFile, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	timeframe = strings.ToLower(strings.TrimSpace(timeframe))
	if symbol == "" || timeframe == "" {
		return nil, errors.New("symbol/timeframe cannot be empty")
	}
	key := symbol + "@" + timeframe
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.files[key]; ok {
		return f, nil
	}
	path := filepath.Join(s.root, symbol, timeframe+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f := &seriesFile{symbol: symbol, timeframe: timeframe, path: path, db: db}
	s.files[key] = f
	return f, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	switch {
	case version == schemaVersion:
		return nil
	case version > schemaVersion:
		return fmt.Errorf("%w: %d", ErrSchemaVersion, version)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion))
	return err
}

// InsertCandles 在一个事务里写入 K 线，open_time 相同的行被覆盖。
func (s *Store) InsertCandles(ctx context.Context, symbol, timeframe string, list []market.Candle) (int, error) {
	if len(list) == 0 {
		return 0, nil
	}
	f, err := s.open(symbol, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO bars
		(open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, c := range list {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime,
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
			c.Trades); err != nil {
			return 0, fmt.Errorf("insert bar %d: %w", c.OpenTime, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES ('last_sync_at', ?)`,
		strconv.FormatInt(s.nowFn().UnixMilli(), 10)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(list), nil
}

// Manifest 统计文件内的行数与时间跨度。
func (s *Store) Manifest(ctx context.Context, symbol, timeframe string) (Manifest, error) {
	f, err := s.open(symbol, timeframe)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{Symbol: f.symbol, Timeframe: f.timeframe, Path: f.path}
	var lastSync sql.NullString
	err = f.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0), COUNT(1),
		       (SELECT value FROM meta WHERE key = 'last_sync_at')
		FROM bars`).Scan(&m.MinTime, &m.MaxTime, &m.Rows, &lastSync)
	if err != nil {
		return Manifest{}, err
	}
	if lastSync.Valid {
		m.LastSyncAt, _ = strconv.ParseInt(lastSync.String, 10, 64)
	}
	return m, nil
}

// RangeCandles 返回 open_time 落在 [start,end] 的 K 线；0 表示不限，上下界颠倒时自动交换。
func (s *Store) RangeCandles(ctx context.Context, symbol, timeframe string, start, end int64) ([]market.Candle, error) {
	f, err := s.open(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}
	if end <= 0 {
		end = 1<<63 - 1
	}
	rows, err := f.db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume, trades
		FROM bars WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []market.Candle
	for rows.Next() {
		c, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

var priceColumns = [5]string{"open", "high", "low", "close", "volume"}

func scanBar(rows *sql.Rows) (market.Candle, error) {
	var (
		c     market.Candle
		price [5]string
	)
	if err := rows.Scan(&c.OpenTime, &c.CloseTime, &price[0], &price[1], &price[2], &price[3], &price[4], &c.Trades); err != nil {
		return c, err
	}
	dst := [5]*decimal.Decimal{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
	for i, raw := range price {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return c, fmt.Errorf("bar %d: %s: %w", c.OpenTime, priceColumns[i], err)
		}
		*dst[i] = d
	}
	return c, nil
}

// LoadSeries 读取区间内 K 线并构建不可变序列。
func (s *Store) LoadSeries(ctx context.Context, symbol, timeframe string, start, end int64) (*market.CandleSeries, error) {
	list, err := s.RangeCandles(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	series, err := market.NewCandleSeries(symbol, timeframe, list)
	if err != nil {
		return nil, fmt.Errorf("load %s@%s: %w", strings.ToUpper(symbol), timeframe, err)
	}
	return series, nil
}
