package services

import (
	"context"
	"time"

	"github.com/irfndi/polycorr/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockMarketSource implements MarketSource and ResolvedMarketSource for testing within the services package
type MockMarketSource struct {
	mock.Mock
}

func (m *MockMarketSource) FetchActiveMarkets(ctx context.Context) ([]models.Market, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Market), args.Error(1)
}

func (m *MockMarketSource) FetchPriceHistory(ctx context.Context, tokenID string) (models.PriceHistory, error) {
	args := m.Called(ctx, tokenID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(models.PriceHistory), args.Error(1)
}

func (m *MockMarketSource) FetchResolvedMarkets(ctx context.Context, max int, minVolume float64) ([]models.ResolvedMarket, error) {
	args := m.Called(ctx, max, minVolume)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ResolvedMarket), args.Error(1)
}

func (m *MockMarketSource) FetchMarketByToken(ctx context.Context, tokenID string) (*models.Market, error) {
	args := m.Called(ctx, tokenID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Market), args.Error(1)
}

// MockMarketStore implements MarketStore for testing within the services package
type MockMarketStore struct {
	mock.Mock
}

func (m *MockMarketStore) UpsertMarkets(ctx context.Context, markets []models.Market) error {
	return m.Called(ctx, markets).Error(0)
}

func (m *MockMarketStore) SavePriceHistory(ctx context.Context, marketID string, history models.PriceHistory) error {
	return m.Called(ctx, marketID, history).Error(0)
}

func (m *MockMarketStore) GetActiveMarkets(ctx context.Context, minVolume float64) ([]models.Market, error) {
	args := m.Called(ctx, minVolume)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Market), args.Error(1)
}

func (m *MockMarketStore) GetMarket(ctx context.Context, id string) (*models.Market, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	// Copy so callers mutating the result do not leak into later calls.
	market := *args.Get(0).(*models.Market)
	return &market, args.Error(1)
}

func (m *MockMarketStore) GetPriceHistory(ctx context.Context, marketID string) (models.PriceHistory, error) {
	args := m.Called(ctx, marketID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(models.PriceHistory), args.Error(1)
}

func (m *MockMarketStore) GetPriceHistories(ctx context.Context, marketIDs []string) (map[string]models.PriceHistory, error) {
	args := m.Called(ctx, marketIDs)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]models.PriceHistory), args.Error(1)
}

func (m *MockMarketStore) PublishGraph(ctx context.Context, activeIDs []string, links []models.CorrelationLink) (int64, error) {
	args := m.Called(ctx, activeIDs, links)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockMarketStore) GetCorrelations(ctx context.Context) ([]models.CorrelationLink, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CorrelationLink), args.Error(1)
}

func (m *MockMarketStore) GetCorrelationsFor(ctx context.Context, marketID string) ([]models.CorrelationLink, error) {
	args := m.Called(ctx, marketID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CorrelationLink), args.Error(1)
}

func (m *MockMarketStore) SetMetadata(ctx context.Context, key, value string) error {
	return m.Called(ctx, key, value).Error(0)
}

func (m *MockMarketStore) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockMarketStore) CleanupOldHistory(ctx context.Context, before time.Time) (int64, error) {
	args := m.Called(ctx, before)
	return args.Get(0).(int64), args.Error(1)
}

// MockGraphSnapshotStore implements GraphSnapshotStore for testing within the services package
type MockGraphSnapshotStore struct {
	mock.Mock
}

func (m *MockGraphSnapshotStore) Store(ctx context.Context, graph models.Graph) error {
	return m.Called(ctx, graph).Error(0)
}

func (m *MockGraphSnapshotStore) Load(ctx context.Context) (*models.Graph, bool, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Graph), args.Bool(1), args.Error(2)
}

// MockResolvedMarketStore implements ResolvedMarketStore for testing within the services package
type MockResolvedMarketStore struct {
	mock.Mock
}

func (m *MockResolvedMarketStore) Store(ctx context.Context, markets []models.ResolvedMarket) error {
	return m.Called(ctx, markets).Error(0)
}

func (m *MockResolvedMarketStore) Load(ctx context.Context) ([]models.ResolvedMarket, bool, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]models.ResolvedMarket), args.Bool(1), args.Error(2)
}
