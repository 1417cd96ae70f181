package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tradesim/internal/records"
	storemodel "tradesim/internal/store/model"
)

type runModel = storemodel.RunModel
type recordModel = storemodel.TradeRecordModel

// GormStore 使用 Gorm + SQLite 保存运行状态与交易记录。
type GormStore struct {
	db        *gorm.DB
	batchSize int
}

var _ records.RunStore = (*GormStore)(nil)

// NewGormStore initializes the store and migrates its tables.
func NewGormStore(path string, batchSize int) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: records path cannot be empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&runModel{}, &recordModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: HTTP 读取与 episode 写入共享少量连接。
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	if batchSize <= 0 {
		batchSize = 500
	}
	return &GormStore{db: db, batchSize: batchSize}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun 按 run_id upsert 运行状态。
func (s *GormStore) SaveRun(ctx context.Context, run records.RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	model := runModel{
		RunID:         strings.TrimSpace(run.RunID),
		Session:       run.Session,
		Symbol:        strings.ToUpper(strings.TrimSpace(run.Symbol)),
		Timeframe:     run.Timeframe,
		Status:        string(run.Status),
		Summary:       datatypes.JSON(jsonOrNull(run.Summary)),
		Error:         run.Error,
		CreatedAtUnix: run.CreatedAt.UnixMilli(),
		UpdatedAtUnix: run.UpdatedAt.UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "summary", "error", "updated_at"}),
	}).Create(&model).Error
}

func (s *GormStore) GetRun(ctx context.Context, runID string) (records.RunRecord, error) {
	var m runModel
	err := s.db.WithContext(ctx).Where("run_id = ?", strings.TrimSpace(runID)).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return records.RunRecord{}, records.ErrRunNotFound
	}
	if err != nil {
		return records.RunRecord{}, err
	}
	return runModelToRecord(m), nil
}

func (s *GormStore) ListRuns(ctx context.Context, limit int) ([]records.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []runModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]records.RunRecord, 0, len(models))
	for _, m := range models {
		out = append(out, runModelToRecord(m))
	}
	return out, nil
}

// WriteRecords 追加记录；重复 record_id 被忽略，保证重放幂等。
func (s *GormStore) WriteRecords(ctx context.Context, recs []records.Record) error {
	if len(recs) == 0 {
		return nil
	}
	models := make([]recordModel, 0, len(recs))
	for _, rec := range recs {
		m, err := newRecordModel(rec)
		if err != nil {
			return err
		}
		models = append(models, m)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "record_id"}}, DoNothing: true}).
		CreateInBatches(&models, s.batchSize).Error
}

func (s *GormStore) ListRecords(ctx context.Context, runID string, limit, offset int) ([]records.Record, error) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	var models []recordModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", strings.TrimSpace(runID)).
		Order("id ASC").Limit(limit).Offset(offset).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]records.Record, 0, len(models))
	for _, m := range models {
		out = append(out, recordModelToRecord(m))
	}
	return out, nil
}

// --------------------------- Model Helpers ------------------------------

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func jsonOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func runModelToRecord(m runModel) records.RunRecord {
	rec := records.RunRecord{
		RunID:     m.RunID,
		Session:   m.Session,
		Symbol:    m.Symbol,
		Timeframe: m.Timeframe,
		Status:    records.RunStatus(m.Status),
		Error:     m.Error,
		CreatedAt: time.UnixMilli(m.CreatedAtUnix),
		UpdatedAt: time.UnixMilli(m.UpdatedAtUnix),
	}
	if len(m.Summary) > 0 && string(m.Summary) != "null" {
		rec.Summary = []byte(m.Summary)
	}
	return rec
}

func newRecordModel(rec records.Record) (recordModel, error) {
	payload := []byte("null")
	if len(rec.Payload) > 0 {
		raw, err := json.Marshal(rec.Payload)
		if err != nil {
			return recordModel{}, fmt.Errorf("encode record payload: %w", err)
		}
		payload = raw
	}
	return recordModel{
		RecordID:      rec.ID,
		RunID:         rec.RunID,
		Session:       rec.Session,
		CandleIndex:   rec.CandleIndex,
		Phase:         rec.Phase,
		Kind:          string(rec.Kind),
		TimeMillis:    rec.Time,
		Symbol:        strings.ToUpper(rec.Symbol),
		Side:          rec.Side,
		Price:         rec.Price.String(),
		Quantity:      rec.Quantity.String(),
		Note:          rec.Note,
		Payload:       datatypes.JSON(payload),
		CreatedAtUnix: rec.CreatedAt.UnixMilli(),
	}, nil
}

func recordModelToRecord(m recordModel) records.Record {
	rec := records.Record{
		ID:          m.RecordID,
		RunID:       m.RunID,
		Session:     m.Session,
		CandleIndex: m.CandleIndex,
		Phase:       m.Phase,
		Kind:        records.Kind(m.Kind),
		Time:        m.TimeMillis,
		Symbol:      m.Symbol,
		Side:        m.Side,
		Price:       parseDecimal(m.Price),
		Quantity:    parseDecimal(m.Quantity),
		Note:        m.Note,
		CreatedAt:   time.UnixMilli(m.CreatedAtUnix),
	}
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		_ = json.Unmarshal(m.Payload, &rec.Payload)
	}
	return rec
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
