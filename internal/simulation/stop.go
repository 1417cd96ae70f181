package simulation

import (
	"context"
	"fmt"

	"tradesim/internal/market"
)

type Checkpoint string

const (
	CheckpointEarly Checkpoint = "early"
	CheckpointLate  Checkpoint = "late"
)

// StopLevel 区分 episode 层与策略层停止原因。
type StopLevel string

const (
	StopEpisode  StopLevel = "episode"
	StopStrategy StopLevel = "strategy"
)

const (
	ReasonFinalDatetime   = "final datetime reached"
	ReasonDataGap         = "candle data gap"
	ReasonSeriesExhausted = "last closed candle processed"
)

// StopSignal 一旦为 true 即对当前 K 线终局。
type StopSignal struct {
	Stop        bool       `json:"stop" yaml:"stop"`
	Checkpoint  Checkpoint `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
	Level       StopLevel  `json:"level,omitempty" yaml:"level,omitempty"`
	Reason      string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	CandleIndex int        `json:"candle_index" yaml:"candle_index"`
}

func (s StopSignal) String() string {
	if !s.Stop {
		return "none"
	}
	return fmt.Sprintf("%s/%s at candle %d: %s", s.Checkpoint, s.Level, s.CandleIndex, s.Reason)
}

// StopConditionEvaluator 在 First 之后（early）与 Second 之后（late）判断是否结束 episode。
type StopConditionEvaluator struct {
	system        TradingSystem
	timeRange     TimeRange
	maxGapCandles int
	metrics       *Metrics
}

// Early 先判 episode 层条件，命中即短路，不再询问策略。
func (e StopConditionEvaluator) Early(ctx context.Context, state *EpisodeState, series *market.CandleSeries) StopSignal {
	sig := e.episodeEarly(state, series)
	if !sig.Stop {
		if stop, reason := e.system.CheckStop(ctx); stop {
			sig = StopSignal{Stop: true, Level: StopStrategy, Reason: reason}
		}
	}
	return e.finish(sig, CheckpointEarly, state)
}

func (e StopConditionEvaluator) episodeEarly(state *EpisodeState, series *market.CandleSeries) StopSignal {
	candle := state.Candle
	if !e.timeRange.Final.IsZero() && candle.OpenTime >= e.timeRange.Final.UnixMilli() {
		return StopSignal{Stop: true, Level: StopEpisode, Reason: ReasonFinalDatetime}
	}
	if e.maxGapCandles > 0 && candle.Index > 0 {
		prev := series.At(candle.Index - 1)
		limit := int64(e.maxGapCandles) * series.Timeframe().Millis()
		if gap := candle.OpenTime - prev.OpenTime; gap > limit {
			return StopSignal{
				Stop:   true,
				Level:  StopEpisode,
				Reason: fmt.Sprintf("%s: %dms after candle %d", ReasonDataGap, gap, prev.Index),
			}
		}
	}
	return StopSignal{}
}

// Late 同时负责按序列位置刷新 HeadOfMarket。
func (e StopConditionEvaluator) Late(_ context.Context, state *EpisodeState, series *market.CandleSeries) StopSignal {
	lastUsable := series.Len() - 2
	state.HeadOfMarket = state.CandleIndex >= lastUsable
	var sig StopSignal
	switch {
	case state.HeadOfMarket:
		sig = StopSignal{Stop: true, Level: StopEpisode, Reason: ReasonSeriesExhausted}
	case !e.timeRange.Final.IsZero() && state.Candle.CloseTime >= e.timeRange.Final.UnixMilli():
		sig = StopSignal{Stop: true, Level: StopEpisode, Reason: ReasonFinalDatetime}
	}
	return e.finish(sig, CheckpointLate, state)
}

func (e StopConditionEvaluator) finish(sig StopSignal, cp Checkpoint, state *EpisodeState) StopSignal {
	if !sig.Stop {
		return StopSignal{}
	}
	sig.Checkpoint = cp
	sig.CandleIndex = state.CandleIndex
	e.metrics.stop(cp, sig.Level)
	return sig
}
