package models

import (
	"time"

	"github.com/google/uuid"
)

// Direction is the side taken in a follower market
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// TradeStatus reports whether a trade could be simulated
type TradeStatus string

const (
	TradeStatusOK      TradeStatus = "ok"
	TradeStatusSkipped TradeStatus = "skipped"
)

// RunStatus reports whether a backtest run produced usable trades
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TradeRecord is the simulated outcome for one follower in one backtest run.
// A nil entry in PnLByHorizon means the horizon extends past available data.
type TradeRecord struct {
	MarketID        string              `json:"market_id"`
	MarketName      string              `json:"market_name"`
	Direction       Direction           `json:"direction,omitempty"`
	Correlation     float64             `json:"correlation"`
	EntryPrice      float64             `json:"entry_price"`
	PnLByHorizon    map[string]*float64 `json:"pnl_by_horizon"`
	ConfidenceScore float64             `json:"confidence_score"`
	Status          TradeStatus         `json:"status"`
	Rationale       string              `json:"rationale"`
}

// HorizonSummary aggregates ok trades for a single holding horizon
type HorizonSummary struct {
	Horizon string  `json:"horizon"`
	Trades  int     `json:"trades"`
	AvgPnL  float64 `json:"avg_pnl"`
	Wins    int     `json:"wins"`
	Losses  int     `json:"losses"`
}

// BacktestSummary aggregates a backtest run
type BacktestSummary struct {
	TotalTrades   int              `json:"total_trades"`
	OKTrades      int              `json:"ok_trades"`
	SkippedTrades int              `json:"skipped_trades"`
	Horizons      []HorizonSummary `json:"horizons"`
}

// BacktestResult is the output of one backtest run. A failed run keeps its
// skipped trades and names the failure in Error.
type BacktestResult struct {
	RunID         uuid.UUID       `json:"run_id"`
	Status        RunStatus       `json:"status"`
	Error         string          `json:"error,omitempty"`
	LeaderID      string          `json:"leader_id"`
	LeaderName    string          `json:"leader_name"`
	LeaderOutcome Outcome         `json:"leader_outcome"`
	SignalTime    time.Time       `json:"signal_time"`
	Horizons      []string        `json:"horizons"`
	Trades        []TradeRecord   `json:"trades"`
	Summary       BacktestSummary `json:"summary"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// BacktestRequest represents the parameters of a backtest run
type BacktestRequest struct {
	LeaderID    string   `json:"leader_id"`
	ClobTokenID string   `json:"clob_token_id"`
	SignalTime  string   `json:"signal_time"`
	Outcome     string   `json:"outcome"`
	Horizons    []string `json:"horizons"`
	FollowerIDs []string `json:"follower_ids"`
}
