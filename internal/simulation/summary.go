package simulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// FetchStats 是某类节流读取的最终统计。
type FetchStats struct {
	Kind                FetchKind `json:"kind" yaml:"kind"`
	Attempts            int       `json:"attempts" yaml:"attempts"`
	Successes           int       `json:"successes" yaml:"successes"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	LastFetch           int64     `json:"last_fetch" yaml:"last_fetch"`
}

// RunSummary 是正常完成（含 stop）的运行结果。
type RunSummary struct {
	RunID            string           `json:"run_id" yaml:"run_id"`
	Session          string           `json:"session" yaml:"session"`
	Symbol           string           `json:"symbol" yaml:"symbol"`
	StartIndex       int              `json:"start_index" yaml:"start_index"`
	LastIndex        int              `json:"last_index" yaml:"last_index"`
	CandlesVisited   int              `json:"candles_visited" yaml:"candles_visited"`
	CandlesProcessed int              `json:"candles_processed" yaml:"candles_processed"`
	CandlesSkipped   int              `json:"candles_skipped" yaml:"candles_skipped"`
	FirstCycles      int              `json:"first_cycles" yaml:"first_cycles"`
	SecondCycles     int              `json:"second_cycles" yaml:"second_cycles"`
	Appends          int              `json:"appends" yaml:"appends"`
	ExitSyncs        int              `json:"exit_syncs" yaml:"exit_syncs"`
	LateSignals      int              `json:"late_signals" yaml:"late_signals"`
	HeadOfMarket     bool             `json:"head_of_market" yaml:"head_of_market"`
	Completed        bool             `json:"completed" yaml:"completed"`
	Stop             StopSignal       `json:"stop" yaml:"stop"`
	BalanceProgress  *decimal.Decimal `json:"balance_progress,omitempty" yaml:"balance_progress,omitempty"`
	Fetches          []FetchStats     `json:"fetches,omitempty" yaml:"fetches,omitempty"`
	StartedAt        time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt       time.Time        `json:"finished_at" yaml:"finished_at"`
	Elapsed          time.Duration    `json:"elapsed" yaml:"elapsed"`
}

func buildSummary(state *EpisodeState, symbol string, started, finished time.Time) RunSummary {
	sum := RunSummary{
		RunID:            state.RunID,
		Session:          state.Session,
		Symbol:           symbol,
		StartIndex:       state.StartIndex,
		LastIndex:        state.CandleIndex,
		CandlesVisited:   state.Counters.Visited,
		CandlesProcessed: state.Counters.Processed,
		CandlesSkipped:   state.Counters.Skipped,
		FirstCycles:      state.Counters.FirstCycles,
		SecondCycles:     state.Counters.SecondCycles,
		Appends:          state.Counters.Appends,
		ExitSyncs:        state.Counters.ExitSyncs,
		LateSignals:      state.Counters.LateSignals,
		HeadOfMarket:     state.HeadOfMarket,
		Completed:        true,
		Stop:             state.Stop,
		StartedAt:        started,
		FinishedAt:       finished,
		Elapsed:          finished.Sub(started),
	}
	if pct, ok := LoadSlot[decimal.Decimal](&state.Stats, SlotBalanceProgress); ok {
		sum.BalanceProgress = &pct
	}
	for _, kind := range []FetchKind{FetchBalances, FetchOrders} {
		rec, ok := LoadSlot[*ThrottleRecord](&state.Stats, kind.slot())
		if !ok {
			continue
		}
		sum.Fetches = append(sum.Fetches, FetchStats{
			Kind:                kind,
			Attempts:            rec.Attempts,
			Successes:           rec.Successes,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			LastFetch:           rec.LastFetch,
		})
	}
	return sum
}
