package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/telemetry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Whole-run backtest failures. Per-follower problems become skipped trades instead.
var (
	ErrLeaderNoHistory = errors.New("leader market has no price history")
	ErrNoUsableTrades  = errors.New("backtest produced no usable trades")
)

const (
	rationaleNoHistory      = "no price history"
	rationaleNoPriceAtEntry = "no price data at signal time"
	rationaleBadEntry       = "invalid entry price"
	rationaleNoCorrelation  = "correlation has no sign"
)

// BacktestConfig contains configuration for a backtest run.
type BacktestConfig struct {
	SignalTime      time.Time       `json:"signal_time"`      // Zero = detect from leader history
	SignalThreshold float64         `json:"signal_threshold"` // Probability crossing that marks the signal
	Outcome         models.Outcome  `json:"outcome"`          // Empty = infer from last leader price
	Horizons        []time.Duration `json:"horizons"`         // Zero = hold until last data point
}

// FollowerCandidate is a market to trade on the leader's signal.
// Confidence of zero falls back to |Correlation|.
type FollowerCandidate struct {
	Market      models.Market
	Correlation float64
	Confidence  float64
}

// Backtester simulates follower trades around a leader's resolution signal
type Backtester struct {
	workers int
	logger  *logrus.Logger
	metrics *metrics.Collector
	tracer  *telemetry.BusinessTracer
}

// NewBacktester creates a new backtester instance.
func NewBacktester(workers int, logger *logrus.Logger, collector *metrics.Collector) *Backtester {
	if workers < 1 {
		workers = 1
	}
	return &Backtester{
		workers: workers,
		logger:  logger,
		metrics: collector,
		tracer:  telemetry.NewBusinessTracer(),
	}
}

// DefaultBacktestConfig returns the standard horizon set of 5m, 1h, 1d and 1w.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		SignalThreshold: 0.95,
		Horizons:        []time.Duration{5 * time.Minute, time.Hour, 24 * time.Hour, 7 * 24 * time.Hour},
	}
}

// RunBacktest evaluates every follower at the leader's signal time. When no
// follower yields an ok trade the result is marked failed and still returned
// alongside ErrNoUsableTrades so callers can report the skip reasons.
func (b *Backtester) RunBacktest(ctx context.Context, leader models.Market, followers []FollowerCandidate, config BacktestConfig) (*models.BacktestResult, error) {
	if err := b.validateConfig(config); err != nil {
		return nil, err
	}

	ctx, span := b.tracer.TraceBacktest(ctx, leader.ID, len(followers))
	defer span.End()

	leaderHistory := leader.History.Normalize()
	if len(leaderHistory) == 0 {
		b.tracer.RecordError(span, ErrLeaderNoHistory)
		b.metrics.ObserveBacktest("failure", 0, 0)
		return nil, fmt.Errorf("%w: %s", ErrLeaderNoHistory, leader.ID)
	}

	outcome := config.Outcome
	if outcome == "" {
		outcome = InferOutcome(leaderHistory)
	}

	signal := config.SignalTime
	if signal.IsZero() {
		signal = DetectSignalTime(leaderHistory, outcome, config.SignalThreshold, leader.EndDate)
	}

	labels := make([]string, len(config.Horizons))
	for i, h := range config.Horizons {
		labels[i] = FormatHorizon(h)
	}

	trades := make([]models.TradeRecord, len(followers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i := range followers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			trades[i] = evaluateFollower(followers[i], signal.Unix(), outcome, config.Horizons, labels)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.tracer.RecordError(span, err)
		return nil, fmt.Errorf("backtest interrupted: %w", err)
	}

	result := &models.BacktestResult{
		RunID:         uuid.New(),
		Status:        models.RunStatusCompleted,
		LeaderID:      leader.ID,
		LeaderName:    leader.Name,
		LeaderOutcome: outcome,
		SignalTime:    signal.UTC(),
		Horizons:      labels,
		Trades:        trades,
		Summary:       summarizeTrades(trades, labels),
		CompletedAt:   time.Now().UTC(),
	}

	fields := logrus.Fields{
		"run_id":   result.RunID.String(),
		"leader":   leader.ID,
		"outcome":  outcome,
		"signal":   result.SignalTime.Format(time.RFC3339),
		"ok":       result.Summary.OKTrades,
		"skipped":  result.Summary.SkippedTrades,
		"horizons": labels,
	}

	if result.Summary.OKTrades == 0 {
		result.Status = models.RunStatusFailed
		result.Error = ErrNoUsableTrades.Error()
		b.tracer.RecordError(span, ErrNoUsableTrades)
		b.metrics.ObserveBacktest("no_trades", 0, result.Summary.SkippedTrades)
		b.logger.WithFields(fields).Warn("Backtest produced no usable trades")
		return result, ErrNoUsableTrades
	}

	b.metrics.ObserveBacktest("success", result.Summary.OKTrades, result.Summary.SkippedTrades)
	b.logger.WithFields(fields).Info("Backtest completed")
	return result, nil
}

func (b *Backtester) validateConfig(config BacktestConfig) error {
	if len(config.Horizons) == 0 {
		return fmt.Errorf("at least one holding horizon is required")
	}
	seen := make(map[time.Duration]struct{}, len(config.Horizons))
	for _, h := range config.Horizons {
		if h < 0 {
			return fmt.Errorf("holding horizon must not be negative, got %s", h)
		}
		if _, dup := seen[h]; dup {
			return fmt.Errorf("holding horizon %s is listed twice", FormatHorizon(h))
		}
		seen[h] = struct{}{}
	}
	if config.SignalTime.IsZero() && (config.SignalThreshold <= 0.5 || config.SignalThreshold >= 1) {
		return fmt.Errorf("signal threshold must be in (0.5,1) when no signal time is given, got %f", config.SignalThreshold)
	}
	return nil
}

// TradeDirection derives the follower side from the leader outcome and the
// sign of the correlation: a YES resolution with positive correlation buys.
func TradeDirection(correlation float64, outcome models.Outcome) models.Direction {
	positive := correlation > 0
	if outcome == models.OutcomeNo {
		positive = !positive
	}
	if positive {
		return models.DirectionBuy
	}
	return models.DirectionSell
}

// InferOutcome reads the resolved side from the leader's last price.
func InferOutcome(history models.PriceHistory) models.Outcome {
	last, ok := history.Last()
	if ok && last.Price < 0.5 {
		return models.OutcomeNo
	}
	return models.OutcomeYes
}

// DetectSignalTime returns the first time the leader's probability crosses
// threshold toward the resolved outcome. Without a crossing it falls back to
// the market end date, then to the last sample.
func DetectSignalTime(history models.PriceHistory, outcome models.Outcome, threshold float64, endDate *time.Time) time.Time {
	for _, p := range history {
		if outcome == models.OutcomeNo && p.Price <= 1-threshold {
			return time.Unix(p.Timestamp, 0).UTC()
		}
		if outcome != models.OutcomeNo && p.Price >= threshold {
			return time.Unix(p.Timestamp, 0).UTC()
		}
	}
	if endDate != nil && !endDate.IsZero() {
		return endDate.UTC()
	}
	last, _ := history.Last()
	return time.Unix(last.Timestamp, 0).UTC()
}

// FormatHorizon renders a holding horizon as a compact label such as 5m, 1h, 1d or 1w.
func FormatHorizon(d time.Duration) string {
	const (
		day  = 24 * time.Hour
		week = 7 * day
	)
	switch {
	case d == 0:
		return "resolution"
	case d%week == 0:
		return fmt.Sprintf("%dw", d/week)
	case d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	default:
		return d.String()
	}
}

func skippedTrade(f FollowerCandidate, rationale string) models.TradeRecord {
	return models.TradeRecord{
		MarketID:        f.Market.ID,
		MarketName:      f.Market.Name,
		Correlation:     f.Correlation,
		PnLByHorizon:    map[string]*float64{},
		ConfidenceScore: confidenceFor(f),
		Status:          models.TradeStatusSkipped,
		Rationale:       rationale,
	}
}

func confidenceFor(f FollowerCandidate) float64 {
	c := f.Confidence
	if c == 0 {
		c = math.Abs(f.Correlation)
	}
	return math.Max(0, math.Min(1, c))
}

func evaluateFollower(f FollowerCandidate, signal int64, outcome models.Outcome, horizons []time.Duration, labels []string) models.TradeRecord {
	history := f.Market.History.Normalize()
	if len(history) == 0 {
		return skippedTrade(f, rationaleNoHistory)
	}

	entry, ok := history.PriceAt(signal)
	if !ok {
		return skippedTrade(f, rationaleNoPriceAtEntry)
	}
	if entry <= 0 {
		return skippedTrade(f, rationaleBadEntry)
	}
	if f.Correlation == 0 {
		return skippedTrade(f, rationaleNoCorrelation)
	}

	direction := TradeDirection(f.Correlation, outcome)
	last, _ := history.Last()

	pnl := make(map[string]*float64, len(horizons))
	for i, h := range horizons {
		exitAt := signal + int64(h/time.Second)
		if h == 0 {
			exitAt = last.Timestamp
		}
		if exitAt > last.Timestamp || exitAt < signal {
			pnl[labels[i]] = nil
			continue
		}
		exit, _ := history.PriceAt(exitAt)
		value := (exit - entry) / entry * 100
		if direction == models.DirectionSell {
			value = -value
		}
		pnl[labels[i]] = &value
	}

	return models.TradeRecord{
		MarketID:        f.Market.ID,
		MarketName:      f.Market.Name,
		Direction:       direction,
		Correlation:     f.Correlation,
		EntryPrice:      entry,
		PnLByHorizon:    pnl,
		ConfidenceScore: confidenceFor(f),
		Status:          models.TradeStatusOK,
		Rationale:       fmt.Sprintf("leader resolved %s, correlation %+.2f, %s at %.3f", outcome, f.Correlation, direction, entry),
	}
}

func summarizeTrades(trades []models.TradeRecord, labels []string) models.BacktestSummary {
	summary := models.BacktestSummary{
		TotalTrades: len(trades),
		Horizons:    make([]models.HorizonSummary, 0, len(labels)),
	}
	for _, t := range trades {
		if t.Status == models.TradeStatusOK {
			summary.OKTrades++
		} else {
			summary.SkippedTrades++
		}
	}

	for _, label := range labels {
		hs := models.HorizonSummary{Horizon: label}
		total := decimal.Zero
		for _, t := range trades {
			if t.Status != models.TradeStatusOK {
				continue
			}
			v := t.PnLByHorizon[label]
			if v == nil {
				continue
			}
			hs.Trades++
			total = total.Add(decimal.NewFromFloat(*v))
			if *v > 0 {
				hs.Wins++
			} else {
				hs.Losses++
			}
		}
		if hs.Trades > 0 {
			hs.AvgPnL = total.Div(decimal.NewFromInt(int64(hs.Trades))).Round(2).InexactFloat64()
		}
		summary.Horizons = append(summary.Horizons, hs)
	}
	return summary
}
