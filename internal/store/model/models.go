package model

import "gorm.io/datatypes"

type RunModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	RunID         string         `gorm:"column:run_id;uniqueIndex"`
	Session       string         `gorm:"column:session;index"`
	Symbol        string         `gorm:"column:symbol"`
	Timeframe     string         `gorm:"column:timeframe"`
	Status        string         `gorm:"column:status;index"`
	Summary       datatypes.JSON `gorm:"column:summary"`
	Error         string         `gorm:"column:error"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (RunModel) TableName() string { return "sim_runs" }

type TradeRecordModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	RecordID      string         `gorm:"column:record_id;uniqueIndex"`
	RunID         string         `gorm:"column:run_id;index"`
	Session       string         `gorm:"column:session"`
	CandleIndex   int            `gorm:"column:candle_index"`
	Phase         string         `gorm:"column:phase"`
	Kind          string         `gorm:"column:kind"`
	TimeMillis    int64          `gorm:"column:time"`
	Symbol        string         `gorm:"column:symbol"`
	Side          string         `gorm:"column:side"`
	Price         string         `gorm:"column:price"`
	Quantity      string         `gorm:"column:quantity"`
	Note          string         `gorm:"column:note"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (TradeRecordModel) TableName() string { return "trade_records" }
