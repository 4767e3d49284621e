package services

import (
	"context"
	"strings"
	"time"

	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/sirupsen/logrus"
)

// GraphService serves the published graph and stored market histories
type GraphService struct {
	store     MarketStore
	snapshots GraphSnapshotStore
	minVolume float64
	logger    *logrus.Entry
	metrics   *metrics.Collector
}

// NewGraphService creates a graph service. snapshots may be nil.
func NewGraphService(store MarketStore, snapshots GraphSnapshotStore, minVolume float64, logger *logrus.Logger, collector *metrics.Collector) *GraphService {
	return &GraphService{
		store:     store,
		snapshots: snapshots,
		minVolume: minVolume,
		logger:    logger.WithField("component", "graph"),
		metrics:   collector,
	}
}

// Graph returns the cached snapshot when present, otherwise rebuilds it from
// the stored markets and links.
func (s *GraphService) Graph(ctx context.Context) (models.Graph, error) {
	if s.snapshots != nil {
		graph, found, err := s.snapshots.Load(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to load graph snapshot")
		}
		if found {
			return *graph, nil
		}
	}

	markets, err := s.store.GetActiveMarkets(ctx, s.minVolume)
	if err != nil {
		return models.Graph{}, err
	}
	links, err := s.store.GetCorrelations(ctx)
	if err != nil {
		return models.Graph{}, err
	}

	var generatedAt time.Time
	if last, found, err := s.store.GetMetadata(ctx, models.MetaLastRefresh); err == nil && found {
		generatedAt, _ = time.Parse(time.RFC3339, last)
	}

	graph := BuildGraph(markets, links, s.minVolume, generatedAt)
	if s.snapshots != nil && len(graph.Nodes) > 0 {
		if err := s.snapshots.Store(ctx, graph); err != nil {
			s.logger.WithError(err).Warn("Failed to store graph snapshot")
		}
	}
	return graph, nil
}

// MarketHistory returns a stored market together with its price history.
func (s *GraphService) MarketHistory(ctx context.Context, marketID string) (*models.Market, error) {
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.GetPriceHistory(ctx, marketID)
	if err != nil {
		return nil, err
	}
	market.History = history
	return market, nil
}

// Markets lists stored open markets by volume, optionally narrowed to one category.
func (s *GraphService) Markets(ctx context.Context, req models.MarketRequest) ([]models.Market, error) {
	markets, err := s.store.GetActiveMarkets(ctx, req.MinVolume)
	if err != nil {
		return nil, err
	}
	out := make([]models.Market, 0, len(markets))
	for _, m := range markets {
		if req.Category != "" && !strings.EqualFold(m.Category, req.Category) {
			continue
		}
		out = append(out, m)
		if req.Limit > 0 && len(out) == req.Limit {
			break
		}
	}
	return out, nil
}

// Correlations returns every published link.
func (s *GraphService) Correlations(ctx context.Context) ([]models.CorrelationLink, error) {
	return s.store.GetCorrelations(ctx)
}
