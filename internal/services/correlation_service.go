package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/telemetry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// GraphStats summarizes a graph computation
type GraphStats struct {
	Markets    int            `json:"markets"`
	Pairs      int            `json:"pairs"`
	Candidates int            `json:"candidates"`
	Retained   int            `json:"retained"`
	Rejected   map[string]int `json:"rejected"`
	Duration   time.Duration  `json:"duration"`
}

// GraphResult holds the published links and the full capped candidate set
type GraphResult struct {
	Links      []models.CorrelationLink
	Candidates []models.CorrelationLink
	Stats      GraphStats
}

// CorrelationService computes the capped correlation graph over a market set
type CorrelationService struct {
	evaluator       *PairEvaluator
	maxLinksPerNode int
	workers         int
	logger          *logrus.Logger
	metrics         *metrics.Collector
	tracer          *telemetry.BusinessTracer
}

// CorrelationParamsFromConfig maps configuration onto pair gates.
func CorrelationParamsFromConfig(cfg config.CorrelationConfig) CorrelationParams {
	return CorrelationParams{
		MinAlignedPoints: cfg.MinAlignedPoints,
		MinReturns:       cfg.MinReturns,
		MinVariance:      cfg.MinVariance,
		Threshold:        cfg.Threshold,
		HighCorrelation:  cfg.HighInefficiencyCorrelation,
		HighSpread:       cfg.HighInefficiencySpread,
	}
}

// NewCorrelationService creates a new correlation service
func NewCorrelationService(cfg config.CorrelationConfig, logger *logrus.Logger, collector *metrics.Collector) *CorrelationService {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &CorrelationService{
		evaluator:       NewPairEvaluator(CorrelationParamsFromConfig(cfg)),
		maxLinksPerNode: cfg.MaxLinksPerNode,
		workers:         workers,
		logger:          logger,
		metrics:         collector,
		tracer:          telemetry.NewBusinessTracer(),
	}
}

type pairOutcome struct {
	link   *models.CorrelationLink
	reason string
}

// ComputeGraph evaluates every unordered market pair, then caps per-node
// fan-out. Pair evaluation runs on a bounded worker pool, one task per
// market row; results are merged in row order so the output does not depend
// on scheduling. Cancellation is checked between pairs.
func (s *CorrelationService) ComputeGraph(ctx context.Context, markets []models.Market) (*GraphResult, error) {
	start := time.Now()
	ctx, span := s.tracer.TraceGraphComputation(ctx, len(markets))
	defer span.End()

	rows := make([][]pairOutcome, len(markets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i := range markets {
		g.Go(func() error {
			row := make([]pairOutcome, 0, len(markets)-i-1)
			for j := i + 1; j < len(markets); j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				link, err := s.evaluator.Evaluate(markets[i], markets[j])
				if err != nil {
					row = append(row, pairOutcome{reason: rejectReason(err)})
					continue
				}
				row = append(row, pairOutcome{link: link})
			}
			rows[i] = row
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.tracer.RecordError(span, err)
		return nil, fmt.Errorf("pair evaluation interrupted: %w", err)
	}

	stats := GraphStats{Markets: len(markets), Rejected: make(map[string]int)}
	var candidates []models.CorrelationLink
	for _, row := range rows {
		for _, outcome := range row {
			stats.Pairs++
			if outcome.link == nil {
				stats.Rejected[outcome.reason]++
				continue
			}
			candidates = append(candidates, *outcome.link)
		}
	}

	capped := CapFanOut(candidates, s.maxLinksPerNode)
	published := RetainedLinks(capped)

	stats.Candidates = len(capped)
	stats.Retained = len(published)
	stats.Duration = time.Since(start)

	s.tracer.RecordGraphStats(span, telemetry.GraphStats{
		Markets:    stats.Markets,
		Pairs:      stats.Pairs,
		Candidates: stats.Candidates,
		Retained:   stats.Retained,
	})
	s.metrics.ObserveGraph(stats.Markets, stats.Pairs, stats.Candidates, stats.Retained, stats.Rejected, stats.Duration)

	s.logger.WithFields(logrus.Fields{
		"markets":    stats.Markets,
		"pairs":      stats.Pairs,
		"candidates": stats.Candidates,
		"retained":   stats.Retained,
		"rejected":   stats.Rejected,
		"duration":   stats.Duration.String(),
	}).Info("Correlation graph computed")

	return &GraphResult{Links: published, Candidates: capped, Stats: stats}, nil
}

// MarketFilter is the liquidity and price band a market must satisfy to enter the scan
type MarketFilter struct {
	MinVolume      float64
	MinProbability float64
	MaxProbability float64
}

// MarketFilterFromConfig maps configuration onto a filter.
func MarketFilterFromConfig(cfg config.FilterConfig) MarketFilter {
	return MarketFilter{
		MinVolume:      cfg.MinVolume,
		MinProbability: cfg.MinProbability,
		MaxProbability: cfg.MaxProbability,
	}
}

// FilterEligibleMarkets keeps liquid markets whose probability lies inside
// the band, edges included.
func FilterEligibleMarkets(markets []models.Market, filter MarketFilter) []models.Market {
	eligible := make([]models.Market, 0, len(markets))
	for _, m := range markets {
		if m.Volume < filter.MinVolume {
			continue
		}
		if m.Probability < filter.MinProbability || m.Probability > filter.MaxProbability {
			continue
		}
		eligible = append(eligible, m)
	}
	return eligible
}

// BuildGraph assembles the published graph from markets and retained links.
// Nodes below minVolume are dropped along with every link touching them.
func BuildGraph(markets []models.Market, links []models.CorrelationLink, minVolume float64, generatedAt time.Time) models.Graph {
	included := make(map[string]struct{}, len(markets))
	nodes := make([]models.GraphNode, 0, len(markets))
	for _, m := range markets {
		if m.Volume < minVolume {
			continue
		}
		included[m.ID] = struct{}{}
		nodes = append(nodes, models.GraphNode{
			ID:          m.ID,
			Name:        m.Name,
			Slug:        m.Slug,
			Category:    m.Category,
			Volume:      m.Volume,
			Probability: m.Probability,
		})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Volume > nodes[j].Volume })

	edges := make([]models.CorrelationLink, 0, len(links))
	for _, l := range links {
		_, okSource := included[l.SourceID]
		_, okTarget := included[l.TargetID]
		if okSource && okTarget {
			edges = append(edges, l)
		}
	}
	return models.Graph{Nodes: nodes, Links: edges, GeneratedAt: generatedAt}
}
