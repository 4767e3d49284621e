package services

import (
	"errors"
	"fmt"
	"math"

	"github.com/irfndi/polycorr/internal/models"
)

// Pair rejection reasons. These are expected outcomes of the scan, not failures.
var (
	ErrInsufficientData = errors.New("insufficient data")
	ErrDegenerateSeries = errors.New("degenerate series")
	ErrBelowThreshold   = errors.New("correlation below threshold")
)

// CorrelationParams holds the gates applied to each market pair
type CorrelationParams struct {
	MinAlignedPoints int
	MinReturns       int
	MinVariance      float64
	Threshold        float64
	HighCorrelation  float64
	HighSpread       float64
}

// DefaultCorrelationParams returns the canonical log-return thresholds.
func DefaultCorrelationParams() CorrelationParams {
	return CorrelationParams{
		MinAlignedPoints: 10,
		MinReturns:       9,
		MinVariance:      0.001,
		Threshold:        0.5,
		HighCorrelation:  0.6,
		HighSpread:       0.3,
	}
}

// Validate checks that the params describe a usable gate set.
func (p CorrelationParams) Validate() error {
	if p.MinAlignedPoints < 2 {
		return fmt.Errorf("min aligned points must be at least 2, got %d", p.MinAlignedPoints)
	}
	if p.MinReturns < 1 {
		return fmt.Errorf("min returns must be positive, got %d", p.MinReturns)
	}
	if p.MinVariance < 0 {
		return fmt.Errorf("min variance must not be negative, got %f", p.MinVariance)
	}
	if p.Threshold < 0 || p.Threshold >= 1 {
		return fmt.Errorf("threshold must be in [0,1), got %f", p.Threshold)
	}
	return nil
}

// PairEvaluator decides whether two markets are correlated strongly enough to link
type PairEvaluator struct {
	params CorrelationParams
}

// NewPairEvaluator creates an evaluator with the given gates.
func NewPairEvaluator(params CorrelationParams) *PairEvaluator {
	return &PairEvaluator{params: params}
}

// Params returns the gates in use.
func (e *PairEvaluator) Params() CorrelationParams {
	return e.params
}

// Evaluate runs alignment, return transform, variance gate and Pearson
// correlation for a pair. A nil link is always accompanied by one of the
// rejection errors above.
func (e *PairEvaluator) Evaluate(a, b models.Market) (*models.CorrelationLink, error) {
	if a.ID == b.ID {
		return nil, fmt.Errorf("%w: self pair %s", ErrInsufficientData, a.ID)
	}

	xs, ys := AlignByTimestamp(a.History, b.History)
	if len(xs) < e.params.MinAlignedPoints {
		return nil, fmt.Errorf("%w: %d aligned points", ErrInsufficientData, len(xs))
	}

	returnsA := LogReturns(xs)
	returnsB := LogReturns(ys)
	if len(returnsA) < e.params.MinReturns || len(returnsB) < e.params.MinReturns {
		return nil, fmt.Errorf("%w: %d returns", ErrInsufficientData, len(returnsA))
	}

	varA := Variance(returnsA)
	varB := Variance(returnsB)
	if varA < e.params.MinVariance || varB < e.params.MinVariance {
		return nil, fmt.Errorf("%w: variance %.6f/%.6f", ErrDegenerateSeries, varA, varB)
	}

	corr := PearsonCorrelation(returnsA, returnsB)
	if math.Abs(corr) <= e.params.Threshold {
		return nil, fmt.Errorf("%w: %.4f", ErrBelowThreshold, corr)
	}

	inefficiency := models.InefficiencyLow
	if math.Abs(corr) > e.params.HighCorrelation && math.Abs(a.Probability-b.Probability) > e.params.HighSpread {
		inefficiency = models.InefficiencyHigh
	}

	return &models.CorrelationLink{
		SourceID:     a.ID,
		TargetID:     b.ID,
		Correlation:  corr,
		IsInverse:    corr < 0,
		Inefficiency: inefficiency,
	}, nil
}

// rejectReason maps a rejection error to a stable label for stats and metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, ErrDegenerateSeries):
		return "degenerate_series"
	case errors.Is(err, ErrBelowThreshold):
		return "below_threshold"
	default:
		return "error"
	}
}
