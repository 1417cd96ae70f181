package simulation

import (
	"errors"
	"fmt"
)

var (
	// ErrSimulationFailed 匹配所有以 *SimulationFailure 结束的运行。
	ErrSimulationFailed = errors.New("simulation failed")
	// ErrNoPayload 表示交易所调用成功返回但没有数据。
	ErrNoPayload = errors.New("exchange returned no data")
)

// SimulationFailure 是 RunEpisode 唯一的失败形态。
type SimulationFailure struct {
	RunID       string
	Session     string
	CandleIndex int
	Phase       Phase
	Cause       error
	Stack       []byte
}

func (f *SimulationFailure) Error() string {
	return fmt.Sprintf("simulation %s (session %s) failed at candle %d, cycle %s: %v",
		f.RunID, f.Session, f.CandleIndex, f.Phase, f.Cause)
}

func (f *SimulationFailure) Unwrap() []error {
	if f.Cause == nil {
		return []error{ErrSimulationFailed}
	}
	return []error{ErrSimulationFailed, f.Cause}
}

// Panicked 报告失败是否来自 recover。
func (f *SimulationFailure) Panicked() bool {
	return len(f.Stack) > 0
}
