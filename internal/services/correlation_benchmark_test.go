package services

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/irfndi/polycorr/internal/models"
)

// benchmarkMarkets builds n markets over a shared timeline. Every third
// market tracks a common driver so the graph has real links to cap.
func benchmarkMarkets(n, points int) []models.Market {
	markets := make([]models.Market, n)
	for i := range markets {
		prices := make([]float64, points)
		for j := range prices {
			driver := 0.5 + 0.3*math.Sin(float64(j)/3)
			noise := 0.1 * math.Sin(float64(j*(i+7))/5)
			if i%3 == 0 {
				prices[j] = driver + noise/4
			} else {
				prices[j] = 0.5 + noise
			}
		}
		markets[i] = testMarket(fmt.Sprintf("m%03d", i), 0.5, historyFrom(0, 3600, prices))
	}
	return markets
}

func BenchmarkCorrelationService_ComputeGraph(b *testing.B) {
	for _, size := range []int{50, 200} {
		b.Run(fmt.Sprintf("markets=%d", size), func(b *testing.B) {
			service := NewCorrelationService(testCorrelationConfig(), quietLogger(), nil)
			markets := benchmarkMarkets(size, 168)
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := service.ComputeGraph(ctx, markets); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPairEvaluator_Evaluate(b *testing.B) {
	evaluator := NewPairEvaluator(DefaultCorrelationParams())
	markets := benchmarkMarkets(2, 720)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(markets[0], markets[1])
	}
}
