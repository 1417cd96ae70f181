package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradesim/internal/records"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sim_runs (
    run_id     TEXT PRIMARY KEY,
    session    TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    timeframe  TEXT NOT NULL,
    status     TEXT NOT NULL,
    summary    JSONB,
    error      TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS trade_records (
    record_id    TEXT PRIMARY KEY,
    run_id       TEXT NOT NULL,
    session      TEXT NOT NULL,
    candle_index INTEGER NOT NULL,
    phase        TEXT NOT NULL,
    kind         TEXT NOT NULL,
    time_ms      BIGINT NOT NULL,
    symbol       TEXT NOT NULL,
    side         TEXT NOT NULL,
    price        NUMERIC NOT NULL,
    quantity     NUMERIC NOT NULL,
    note         TEXT NOT NULL,
    payload      JSONB,
    created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trade_records_run_idx ON trade_records (run_id, candle_index);
`

// Store 是 Postgres 版运行与记录存储，价格与数量以 NUMERIC 保存。
type Store struct {
	pool *pgxpool.Pool
}

var _ records.RunStore = (*Store)(nil)

// New 连接数据库、注册 decimal 编解码并建表。
func New(ctx context.Context, dsn string) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) SaveRun(ctx context.Context, run records.RunRecord) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO sim_runs (run_id, session, symbol, timeframe, status, summary, error, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (run_id) DO UPDATE SET
            status     = EXCLUDED.status,
            summary    = EXCLUDED.summary,
            error      = EXCLUDED.error,
            updated_at = EXCLUDED.updated_at`,
		run.RunID, run.Session, strings.ToUpper(run.Symbol), run.Timeframe, string(run.Status),
		nullJSON(run.Summary), run.Error, run.CreatedAt, run.UpdatedAt)
	return err
}

func (s *Store) GetRun(ctx context.Context, runID string) (records.RunRecord, error) {
	row := s.pool.QueryRow(ctx, `
        SELECT run_id, session, symbol, timeframe, status, summary, error, created_at, updated_at
        FROM sim_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return records.RunRecord{}, records.ErrRunNotFound
	}
	return run, err
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]records.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
        SELECT run_id, session, symbol, timeframe, status, summary, error, created_at, updated_at
        FROM sim_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []records.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// WriteRecords 通过 pgx.Batch 一次往返写入，重复 record_id 忽略。
func (s *Store) WriteRecords(ctx context.Context, recs []records.Record) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recs {
		var payload []byte
		if len(rec.Payload) > 0 {
			raw, err := json.Marshal(rec.Payload)
			if err != nil {
				return fmt.Errorf("encode record payload: %w", err)
			}
			payload = raw
		}
		batch.Queue(`
            INSERT INTO trade_records (record_id, run_id, session, candle_index, phase, kind, time_ms,
                symbol, side, price, quantity, note, payload, created_at)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
            ON CONFLICT (record_id) DO NOTHING`,
			rec.ID, rec.RunID, rec.Session, rec.CandleIndex, rec.Phase, string(rec.Kind), rec.Time,
			strings.ToUpper(rec.Symbol), rec.Side, rec.Price, rec.Quantity, rec.Note, payload, rec.CreatedAt)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

func (s *Store) ListRecords(ctx context.Context, runID string, limit, offset int) ([]records.Record, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
        SELECT record_id, run_id, session, candle_index, phase, kind, time_ms, symbol, side,
               price, quantity, note, payload, created_at
        FROM trade_records WHERE run_id = $1
        ORDER BY candle_index, created_at LIMIT $2 OFFSET $3`, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []records.Record
	for rows.Next() {
		var (
			rec     records.Record
			kind    string
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Session, &rec.CandleIndex, &rec.Phase, &kind, &rec.Time,
			&rec.Symbol, &rec.Side, &rec.Price, &rec.Quantity, &rec.Note, &payload, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind = records.Kind(kind)
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &rec.Payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRun(row pgx.Row) (records.RunRecord, error) {
	var (
		run     records.RunRecord
		status  string
		summary []byte
	)
	if err := row.Scan(&run.RunID, &run.Session, &run.Symbol, &run.Timeframe, &status, &summary,
		&run.Error, &run.CreatedAt, &run.UpdatedAt); err != nil {
		return records.RunRecord{}, err
	}
	run.Status = records.RunStatus(status)
	if len(summary) > 0 {
		run.Summary = summary
	}
	return run, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
