package services

import (
	"math"

	"github.com/irfndi/polycorr/internal/models"
)

// priceFloor keeps log returns finite when a price sample is zero or negative.
const priceFloor = 0.001

// AlignByTimestamp joins two histories on exact timestamp matches.
// The returned slices have equal length and index i in both refers to the
// same timestamp, in the order those timestamps appear in a.
func AlignByTimestamp(a, b models.PriceHistory) ([]float64, []float64) {
	lookup := make(map[int64]float64, len(b))
	for _, p := range b {
		lookup[p.Timestamp] = p.Price
	}

	xs := make([]float64, 0, min(len(a), len(b)))
	ys := make([]float64, 0, min(len(a), len(b)))
	for _, p := range a {
		if price, ok := lookup[p.Timestamp]; ok {
			xs = append(xs, p.Price)
			ys = append(ys, price)
		}
	}
	return xs, ys
}

// LogReturns converts a price series into len(prices)-1 log returns.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return []float64{}
	}
	returns := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := math.Max(prices[i-1], priceFloor)
		curr := math.Max(prices[i], priceFloor)
		returns[i-1] = math.Log(curr / prev)
	}
	return returns
}

func calculateMeanFloat64(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance is the population variance of series; 0 for an empty series.
func Variance(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	mean := calculateMeanFloat64(series)
	var sumSquares float64
	for _, v := range series {
		diff := v - mean
		sumSquares += diff * diff
	}
	return sumSquares / float64(len(series))
}

// PearsonCorrelation returns the correlation coefficient of x and y in [-1, 1].
// Mismatched, empty or zero-variance inputs yield 0.
func PearsonCorrelation(x, y []float64) float64 {
	n := len(x)
	if n == 0 || len(y) != n {
		return 0
	}
	if isConstant(x) || isConstant(y) {
		return 0
	}

	var sumX, sumY, sumXY, sumXX, sumYY float64
	for i := 0; i < n; i++ {
		sumX += x[i]
		sumY += y[i]
		sumXY += x[i] * y[i]
		sumXX += x[i] * x[i]
		sumYY += y[i] * y[i]
	}

	fn := float64(n)
	numerator := fn*sumXY - sumX*sumY
	denomX := fn*sumXX - sumX*sumX
	denomY := fn*sumYY - sumY*sumY
	if denomX <= 0 || denomY <= 0 {
		return 0
	}

	denom := math.Sqrt(denomX * denomY)
	if denom == 0 || math.IsNaN(denom) || math.IsInf(denom, 0) {
		return 0
	}

	corr := numerator / denom
	if corr > 1 {
		return 1
	}
	if corr < -1 {
		return -1
	}
	return corr
}

func isConstant(series []float64) bool {
	for _, v := range series[1:] {
		if v != series[0] {
			return false
		}
	}
	return true
}
