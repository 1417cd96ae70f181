package records

import (
	"context"
	"errors"
	"time"
)

// RunStatus 表示一次 episode 的生命周期状态。
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunFailed  RunStatus = "failed"
)

var ErrRunNotFound = errors.New("run not found")

// RunRecord 是持久化的运行状态，Summary 为 RunSummary 的 JSON。
type RunRecord struct {
	RunID     string    `json:"run_id"`
	Session   string    `json:"session"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Status    RunStatus `json:"status"`
	Summary   []byte    `json:"summary,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunStore 同时承载运行状态与交易记录。
type RunStore interface {
	Sink
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, runID string) (RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	ListRecords(ctx context.Context, runID string, limit, offset int) ([]Record, error)
	Close() error
}
