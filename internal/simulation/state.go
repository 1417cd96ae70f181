package simulation

import (
	"fmt"
	"time"

	"tradesim/internal/market"
)

// Counters 记录单次 episode 的循环统计。
type Counters struct {
	Visited      int
	Processed    int
	Skipped      int
	FirstCycles  int
	SecondCycles int
	Appends      int
	ExitSyncs    int
	LateSignals  int
}

// EpisodeState 由 EpisodeScheduler 独占，协作方只通过显式调用读写。
type EpisodeState struct {
	RunID        string
	Session      string
	StartIndex   int
	CandleIndex  int
	Candle       market.Candle
	Cycle        Cycle
	HeadOfMarket bool
	Open         bool
	OpenedAt     time.Time
	Counters     Counters
	Stats        Slots
	Stop         StopSignal
	TerminalErr  error

	lastBeat time.Time
}

func newEpisodeState(runID, session string) *EpisodeState {
	return &EpisodeState{RunID: runID, Session: session, CandleIndex: -1}
}

func (s *EpisodeState) advance(candle market.Candle) {
	s.CandleIndex = candle.Index
	s.Candle = candle
	s.Counters.Visited++
}

// openEpisode 幂等，返回本次是否真正打开。
func (s *EpisodeState) openEpisode(now time.Time) bool {
	if s.Open {
		return false
	}
	s.Open = true
	s.OpenedAt = now
	return true
}

func (s *EpisodeState) maintain() {
	s.Counters.Processed++
}

// resetCycle 清空上一周期的临时数据并设置新周期。
func (s *EpisodeState) resetCycle(phase Phase) {
	s.Cycle = Cycle{
		Phase:        phase,
		CandleIndex:  s.CandleIndex,
		Candle:       s.Candle,
		HeadOfMarket: s.HeadOfMarket,
		Info: fmt.Sprintf("Candle %d @ %s, cycle %s",
			s.CandleIndex, s.Candle.OpenAt().Format(time.RFC3339), phase),
	}
}
