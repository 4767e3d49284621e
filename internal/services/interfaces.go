package services

import (
	"context"
	"time"

	"github.com/irfndi/polycorr/internal/models"
)

// MarketSource fetches market listings and price histories from upstream.
type MarketSource interface {
	FetchActiveMarkets(ctx context.Context) ([]models.Market, error)
	FetchPriceHistory(ctx context.Context, tokenID string) (models.PriceHistory, error)
}

// ResolvedMarketSource lists settled markets and resolves CLOB tokens.
type ResolvedMarketSource interface {
	FetchResolvedMarkets(ctx context.Context, max int, minVolume float64) ([]models.ResolvedMarket, error)
	FetchMarketByToken(ctx context.Context, tokenID string) (*models.Market, error)
	FetchPriceHistory(ctx context.Context, tokenID string) (models.PriceHistory, error)
}

// MarketStore persists markets, histories, published links and metadata.
type MarketStore interface {
	UpsertMarkets(ctx context.Context, markets []models.Market) error
	SavePriceHistory(ctx context.Context, marketID string, history models.PriceHistory) error
	GetActiveMarkets(ctx context.Context, minVolume float64) ([]models.Market, error)
	GetMarket(ctx context.Context, id string) (*models.Market, error)
	GetPriceHistory(ctx context.Context, marketID string) (models.PriceHistory, error)
	GetPriceHistories(ctx context.Context, marketIDs []string) (map[string]models.PriceHistory, error)
	PublishGraph(ctx context.Context, activeIDs []string, links []models.CorrelationLink) (int64, error)
	GetCorrelations(ctx context.Context) ([]models.CorrelationLink, error)
	GetCorrelationsFor(ctx context.Context, marketID string) ([]models.CorrelationLink, error)
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	CleanupOldHistory(ctx context.Context, before time.Time) (int64, error)
}

// GraphSnapshotStore keeps the last published graph.
type GraphSnapshotStore interface {
	Store(ctx context.Context, graph models.Graph) error
	Load(ctx context.Context) (*models.Graph, bool, error)
}

// ResolvedMarketStore caches the resolved market list.
type ResolvedMarketStore interface {
	Store(ctx context.Context, markets []models.ResolvedMarket) error
	Load(ctx context.Context) ([]models.ResolvedMarket, bool, error)
}
