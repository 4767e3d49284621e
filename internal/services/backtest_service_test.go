package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/irfndi/polycorr/internal/database"
	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const windowStart = signalTs - 15*3600

func withSignal(pre models.PriceHistory, post ...models.PricePoint) models.PriceHistory {
	out := append(models.PriceHistory{}, pre...)
	return append(out, post...)
}

func backtestLeaderHistory() models.PriceHistory {
	return withSignal(historyFrom(windowStart, 3600, swingPrices),
		models.PricePoint{Timestamp: signalTs, Price: 0.96},
		models.PricePoint{Timestamp: signalTs + 3600, Price: 0.99},
	)
}

func twinHistory() models.PriceHistory {
	return withSignal(historyFrom(windowStart, 3600, swingPrices),
		models.PricePoint{Timestamp: signalTs, Price: 0.96},
		models.PricePoint{Timestamp: signalTs + 3600, Price: 0.98},
	)
}

func inverseHistory() models.PriceHistory {
	return withSignal(historyFrom(windowStart, 3600, complement(swingPrices)),
		models.PricePoint{Timestamp: signalTs, Price: 0.04},
		models.PricePoint{Timestamp: signalTs + 3600, Price: 0.03},
	)
}

func flatHistory() models.PriceHistory {
	flat := make([]float64, 17)
	for i := range flat {
		flat[i] = 0.5
	}
	return historyFrom(windowStart, 3600, flat)
}

func testBacktestOptions() BacktestOptions {
	return BacktestOptions{
		Horizons:          []time.Duration{time.Hour},
		SignalThreshold:   0.95,
		MinFollowerVolume: 1000,
		MaxFollowers:      10,
		MaxResolved:       100,
		SearchCacheTTL:    10 * time.Minute,
	}
}

func newTestBacktestService(store *MockMarketStore, source *MockMarketSource, resolved ResolvedMarketStore, options BacktestOptions, collector *metrics.Collector) *BacktestService {
	return NewBacktestService(
		NewBacktester(2, quietLogger(), collector),
		NewPairEvaluator(DefaultCorrelationParams()),
		store, source, resolved, options, quietLogger(), collector,
	)
}

func expectStoredLeader(store *MockMarketStore) {
	store.On("GetMarket", mock.Anything, "leader").Return(&models.Market{ID: "leader", Name: "Leader"}, nil)
	store.On("GetPriceHistory", mock.Anything, "leader").Return(backtestLeaderHistory(), nil)
}

func tradesByID(result *models.BacktestResult) map[string]models.TradeRecord {
	out := make(map[string]models.TradeRecord, len(result.Trades))
	for _, t := range result.Trades {
		out[t.MarketID] = t
	}
	return out
}

func TestBacktestService_Run_DiscoversFollowers(t *testing.T) {
	store := &MockMarketStore{}
	source := &MockMarketSource{}
	svc := newTestBacktestService(store, source, nil, testBacktestOptions(), nil)

	late := time.Unix(signalTs+86400, 0).UTC()
	expectStoredLeader(store)
	store.On("GetCorrelationsFor", mock.Anything, "leader").Return([]models.CorrelationLink{}, nil)
	store.On("GetActiveMarkets", mock.Anything, 1000.0).Return([]models.Market{
		{ID: "leader"},
		{ID: "inverse", Name: "Inverse"},
		{ID: "twin", Name: "Twin"},
		{ID: "flat", Name: "Flat"},
		{ID: "late", Name: "Late", StartDate: &late},
	}, nil)
	store.On("GetPriceHistories", mock.Anything, []string{"inverse", "twin", "flat"}).Return(map[string]models.PriceHistory{
		"inverse": inverseHistory(),
		"twin":    twinHistory(),
		"flat":    flatHistory(),
	}, nil)

	result, err := svc.Run(context.Background(), models.BacktestRequest{LeaderID: "leader"})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeYes, result.LeaderOutcome)
	assert.Equal(t, signalTs, result.SignalTime.Unix())
	assert.Equal(t, []string{"1h"}, result.Horizons)
	require.Len(t, result.Trades, 2)
	assert.Equal(t, "twin", result.Trades[0].MarketID)

	trades := tradesByID(result)
	twin := trades["twin"]
	assert.InDelta(t, 1.0, twin.Correlation, 1e-9)
	assert.Equal(t, models.DirectionBuy, twin.Direction)
	assert.InDelta(t, 0.96, twin.EntryPrice, 1e-9)
	require.NotNil(t, twin.PnLByHorizon["1h"])
	assert.InDelta(t, (0.98-0.96)/0.96*100, *twin.PnLByHorizon["1h"], 1e-9)

	inverse := trades["inverse"]
	assert.Less(t, inverse.Correlation, -0.5)
	assert.Equal(t, models.DirectionSell, inverse.Direction)
	require.NotNil(t, inverse.PnLByHorizon["1h"])
	assert.InDelta(t, 25.0, *inverse.PnLByHorizon["1h"], 1e-9)

	source.AssertNotCalled(t, "FetchPriceHistory", mock.Anything, mock.Anything)
}

func TestBacktestService_Run_CapsDiscoveredFollowers(t *testing.T) {
	store := &MockMarketStore{}
	options := testBacktestOptions()
	options.MaxFollowers = 1
	svc := newTestBacktestService(store, &MockMarketSource{}, nil, options, nil)

	expectStoredLeader(store)
	store.On("GetCorrelationsFor", mock.Anything, "leader").Return([]models.CorrelationLink{}, nil)
	store.On("GetActiveMarkets", mock.Anything, 1000.0).Return([]models.Market{{ID: "inverse"}, {ID: "twin"}}, nil)
	store.On("GetPriceHistories", mock.Anything, mock.Anything).Return(map[string]models.PriceHistory{
		"inverse": inverseHistory(),
		"twin":    twinHistory(),
	}, nil)

	result, err := svc.Run(context.Background(), models.BacktestRequest{LeaderID: "leader"})
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, "twin", result.Trades[0].MarketID)
}

func TestBacktestService_Run_UsesPublishedLinks(t *testing.T) {
	store := &MockMarketStore{}
	svc := newTestBacktestService(store, &MockMarketSource{}, nil, testBacktestOptions(), nil)

	expectStoredLeader(store)
	store.On("GetCorrelationsFor", mock.Anything, "leader").Return([]models.CorrelationLink{
		{SourceID: "inverse", TargetID: "leader", Correlation: -0.8, IsInverse: true},
	}, nil)
	store.On("GetMarket", mock.Anything, "inverse").Return(&models.Market{ID: "inverse", Name: "Inverse"}, nil)
	store.On("GetPriceHistories", mock.Anything, []string{"inverse"}).Return(map[string]models.PriceHistory{
		"inverse": inverseHistory(),
	}, nil)

	result, err := svc.Run(context.Background(), models.BacktestRequest{LeaderID: "leader"})
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, -0.8, result.Trades[0].Correlation)
	store.AssertNotCalled(t, "GetActiveMarkets", mock.Anything, mock.Anything)
}

func TestBacktestService_Run_ExplicitFollowers(t *testing.T) {
	store := &MockMarketStore{}
	source := &MockMarketSource{}
	svc := newTestBacktestService(store, source, nil, testBacktestOptions(), nil)

	expectStoredLeader(store)
	store.On("GetCorrelationsFor", mock.Anything, "leader").Return([]models.CorrelationLink{}, nil)
	store.On("GetMarket", mock.Anything, "twin").Return(&models.Market{ID: "twin", ClobTokenID: "tok-twin"}, nil)
	store.On("GetMarket", mock.Anything, "flat").Return(&models.Market{ID: "flat"}, nil)
	store.On("GetMarket", mock.Anything, "ghost").Return(nil, database.ErrMarketNotFound)
	store.On("GetPriceHistories", mock.Anything, []string{"twin", "flat"}).Return(map[string]models.PriceHistory{
		"flat": flatHistory(),
	}, nil)
	source.On("FetchPriceHistory", mock.Anything, "tok-twin").Return(twinHistory(), nil)

	result, err := svc.Run(context.Background(), models.BacktestRequest{
		LeaderID:    "leader",
		SignalTime:  "2023-11-14T22:13:20Z",
		Outcome:     "no",
		Horizons:    []string{"1h", "resolution"},
		FollowerIDs: []string{"twin", "leader", "ghost", "flat"},
	})
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeNo, result.LeaderOutcome)
	assert.Equal(t, signalTs, result.SignalTime.Unix())
	assert.Equal(t, []string{"1h", "resolution"}, result.Horizons)
	require.Len(t, result.Trades, 2)

	trades := tradesByID(result)
	assert.Equal(t, models.DirectionSell, trades["twin"].Direction)
	assert.Equal(t, models.TradeStatusOK, trades["twin"].Status)
	assert.Equal(t, models.TradeStatusSkipped, trades["flat"].Status)
	assert.Equal(t, 1, result.Summary.SkippedTrades)
	source.AssertExpectations(t)
}

func TestBacktestService_Run_LeaderByToken(t *testing.T) {
	store := &MockMarketStore{}
	source := &MockMarketSource{}
	svc := newTestBacktestService(store, source, nil, testBacktestOptions(), nil)

	store.On("GetMarket", mock.Anything, "0xabc").Return(nil, database.ErrMarketNotFound)
	source.On("FetchMarketByToken", mock.Anything, "tok-leader").Return(&models.Market{ID: "0xabc", ClobTokenID: "tok-leader"}, nil)
	store.On("GetPriceHistory", mock.Anything, "0xabc").Return(models.PriceHistory{}, nil)
	source.On("FetchPriceHistory", mock.Anything, "tok-leader").Return(backtestLeaderHistory(), nil)
	store.On("GetCorrelationsFor", mock.Anything, "0xabc").Return([]models.CorrelationLink{}, nil)
	store.On("GetMarket", mock.Anything, "twin").Return(&models.Market{ID: "twin"}, nil)
	store.On("GetPriceHistories", mock.Anything, []string{"twin"}).Return(map[string]models.PriceHistory{
		"twin": twinHistory(),
	}, nil)

	result, err := svc.Run(context.Background(), models.BacktestRequest{
		LeaderID:    "0xabc",
		ClobTokenID: "tok-leader",
		FollowerIDs: []string{"twin"},
	})
	require.NoError(t, err)
	assert.Equal(t, "0xabc", result.LeaderID)
	assert.Equal(t, signalTs, result.SignalTime.Unix())
	source.AssertExpectations(t)
}

func TestBacktestService_Run_NoUsableTrades(t *testing.T) {
	store := &MockMarketStore{}
	collector := metrics.NewCollector()
	svc := newTestBacktestService(store, &MockMarketSource{}, nil, testBacktestOptions(), collector)

	expectStoredLeader(store)
	store.On("GetCorrelationsFor", mock.Anything, "leader").Return([]models.CorrelationLink{}, nil)
	store.On("GetMarket", mock.Anything, "flat").Return(&models.Market{ID: "flat"}, nil)
	store.On("GetPriceHistories", mock.Anything, []string{"flat"}).Return(map[string]models.PriceHistory{
		"flat": flatHistory(),
	}, nil)

	result, err := svc.Run(context.Background(), models.BacktestRequest{LeaderID: "leader", FollowerIDs: []string{"flat"}})
	assert.ErrorIs(t, err, ErrNoUsableTrades)
	require.NotNil(t, result)
	assert.Equal(t, models.RunStatusFailed, result.Status)
	assert.Equal(t, 1, result.Summary.SkippedTrades)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.BacktestRuns.WithLabelValues("no_trades")))
}

func TestBacktestService_Run_LeaderErrors(t *testing.T) {
	t.Run("unknown without token", func(t *testing.T) {
		store := &MockMarketStore{}
		svc := newTestBacktestService(store, &MockMarketSource{}, nil, testBacktestOptions(), nil)
		store.On("GetMarket", mock.Anything, "missing").Return(nil, database.ErrMarketNotFound)

		_, err := svc.Run(context.Background(), models.BacktestRequest{LeaderID: "missing"})
		assert.ErrorIs(t, err, ErrLeaderNotFound)
	})

	t.Run("store failure", func(t *testing.T) {
		store := &MockMarketStore{}
		svc := newTestBacktestService(store, &MockMarketSource{}, nil, testBacktestOptions(), nil)
		store.On("GetMarket", mock.Anything, "leader").Return(nil, errors.New("db down"))

		_, err := svc.Run(context.Background(), models.BacktestRequest{LeaderID: "leader"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrLeaderNotFound)
	})

	t.Run("no history", func(t *testing.T) {
		store := &MockMarketStore{}
		svc := newTestBacktestService(store, &MockMarketSource{}, nil, testBacktestOptions(), nil)
		store.On("GetMarket", mock.Anything, "leader").Return(&models.Market{ID: "leader"}, nil)
		store.On("GetPriceHistory", mock.Anything, "leader").Return(models.PriceHistory{}, nil)

		_, err := svc.Run(context.Background(), models.BacktestRequest{LeaderID: "leader"})
		assert.ErrorIs(t, err, ErrLeaderNoHistory)
	})
}

func TestBacktestService_Run_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  models.BacktestRequest
	}{
		{"missing leader", models.BacktestRequest{}},
		{"bad outcome", models.BacktestRequest{LeaderID: "leader", Outcome: "maybe"}},
		{"bad signal time", models.BacktestRequest{LeaderID: "leader", SignalTime: "14/11/2023"}},
		{"bad horizon", models.BacktestRequest{LeaderID: "leader", Horizons: []string{"soon"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &MockMarketStore{}
			svc := newTestBacktestService(store, &MockMarketSource{}, nil, testBacktestOptions(), nil)

			_, err := svc.Run(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, utils.IsValidationError(err))
			store.AssertNotCalled(t, "GetMarket", mock.Anything, mock.Anything)
		})
	}
}

func day(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

func resolvedFixture() []models.ResolvedMarket {
	return []models.ResolvedMarket{
		{Market: models.Market{ID: "btc", Name: "Will BTC hit 100k", Volume: 900, StartDate: day("2024-01-01"), EndDate: day("2024-03-01")}, Outcome: models.OutcomeNo},
		{Market: models.Market{ID: "etf", Name: "Bitcoin ETF approved", Volume: 5000, StartDate: day("2023-12-01"), EndDate: day("2024-01-10")}, Outcome: models.OutcomeYes},
		{Market: models.Market{ID: "election", Name: "Election winner", Volume: 3000}, Outcome: models.OutcomeYes},
	}
}

func TestBacktestService_SearchResolved(t *testing.T) {
	source := &MockMarketSource{}
	collector := metrics.NewCollector()
	svc := newTestBacktestService(&MockMarketStore{}, source, nil, testBacktestOptions(), collector)
	source.On("FetchResolvedMarkets", mock.Anything, 100, 1000.0).Return(resolvedFixture(), nil)

	ids := func(markets []models.ResolvedMarket) []string {
		out := make([]string, len(markets))
		for i, m := range markets {
			out[i] = m.ID
		}
		return out
	}

	results, err := svc.SearchResolved(context.Background(), "", "2024-01-05")
	require.NoError(t, err)
	assert.Equal(t, []string{"etf", "btc"}, ids(results))

	results, err = svc.SearchResolved(context.Background(), "", "2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"btc"}, ids(results))

	results, err = svc.SearchResolved(context.Background(), "BTC", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"btc"}, ids(results))

	results, err = svc.SearchResolved(context.Background(), "bit", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"etf"}, ids(results))

	results, err = svc.SearchResolved(context.Background(), "b", "")
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = svc.SearchResolved(context.Background(), "", "Jan 5")
	assert.True(t, utils.IsValidationError(err))

	source.AssertNumberOfCalls(t, "FetchResolvedMarkets", 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.CacheOperations.WithLabelValues("resolved", "hit")))
}

func TestBacktestService_ResolvedMarkets_Expiry(t *testing.T) {
	source := &MockMarketSource{}
	svc := newTestBacktestService(&MockMarketStore{}, source, nil, testBacktestOptions(), nil)
	source.On("FetchResolvedMarkets", mock.Anything, 100, 1000.0).Return(resolvedFixture(), nil)

	now := refreshNow
	svc.now = func() time.Time { return now }

	_, err := svc.ResolvedMarkets(context.Background())
	require.NoError(t, err)
	now = now.Add(5 * time.Minute)
	_, err = svc.ResolvedMarkets(context.Background())
	require.NoError(t, err)
	source.AssertNumberOfCalls(t, "FetchResolvedMarkets", 1)

	now = now.Add(6 * time.Minute)
	_, err = svc.ResolvedMarkets(context.Background())
	require.NoError(t, err)
	source.AssertNumberOfCalls(t, "FetchResolvedMarkets", 2)
}

func TestBacktestService_ResolvedMarkets_SharedStore(t *testing.T) {
	source := &MockMarketSource{}
	resolved := &MockResolvedMarketStore{}
	svc := newTestBacktestService(&MockMarketStore{}, source, resolved, testBacktestOptions(), nil)

	resolved.On("Load", mock.Anything).Return(nil, false, nil).Once()
	resolved.On("Load", mock.Anything).Return(resolvedFixture(), true, nil)
	resolved.On("Store", mock.Anything, resolvedFixture()).Return(nil)
	source.On("FetchResolvedMarkets", mock.Anything, 100, 1000.0).Return(resolvedFixture(), nil)

	first, err := svc.ResolvedMarkets(context.Background())
	require.NoError(t, err)
	second, err := svc.ResolvedMarkets(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	source.AssertNumberOfCalls(t, "FetchResolvedMarkets", 1)
	resolved.AssertExpectations(t)
}

func TestBacktestService_ResolvedMarkets_UpstreamError(t *testing.T) {
	source := &MockMarketSource{}
	svc := newTestBacktestService(&MockMarketStore{}, source, nil, testBacktestOptions(), nil)
	source.On("FetchResolvedMarkets", mock.Anything, 100, 1000.0).Return(nil, errors.New("503"))

	_, err := svc.SearchResolved(context.Background(), "bitcoin", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch resolved markets")
}
