package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/database"
	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// ErrLeaderNotFound is returned when the leader is neither stored nor resolvable by token.
var ErrLeaderNotFound = errors.New("leader market not found")

const (
	dateSearchLimit    = 50
	keywordSearchLimit = 20
	minQueryLength     = 2
)

// BacktestOptions configures the backtest service
type BacktestOptions struct {
	Horizons          []time.Duration
	SignalThreshold   float64
	MinFollowerVolume float64
	MaxFollowers      int
	MaxResolved       int
	SearchCacheTTL    time.Duration
}

// BacktestOptionsFromConfig maps configuration onto backtest options.
func BacktestOptionsFromConfig(cfg *config.Config) (BacktestOptions, error) {
	horizons, err := cfg.Backtest.ParsedHorizons()
	if err != nil {
		return BacktestOptions{}, err
	}
	return BacktestOptions{
		Horizons:          horizons,
		SignalThreshold:   cfg.Backtest.SignalThreshold,
		MinFollowerVolume: cfg.Backtest.MinFollowerVolume,
		MaxFollowers:      cfg.Backtest.MaxFollowers,
		MaxResolved:       cfg.Polymarket.MaxResolved,
		SearchCacheTTL:    cfg.Backtest.SearchCacheTTL,
	}, nil
}

// BacktestService resolves leaders and followers and runs the backtester
type BacktestService struct {
	backtester *Backtester
	evaluator  *PairEvaluator
	store      MarketStore
	source     ResolvedMarketSource
	resolved   ResolvedMarketStore
	options    BacktestOptions
	logger     *logrus.Entry
	metrics    *metrics.Collector

	group       singleflight.Group
	mu          sync.Mutex
	memo        []models.ResolvedMarket
	memoExpires time.Time
	now         func() time.Time
}

// NewBacktestService creates a backtest service. resolved may be nil, in
// which case the resolved market list is cached in process.
func NewBacktestService(
	backtester *Backtester,
	evaluator *PairEvaluator,
	store MarketStore,
	source ResolvedMarketSource,
	resolved ResolvedMarketStore,
	options BacktestOptions,
	logger *logrus.Logger,
	collector *metrics.Collector,
) *BacktestService {
	if options.SearchCacheTTL <= 0 {
		options.SearchCacheTTL = 10 * time.Minute
	}
	return &BacktestService{
		backtester: backtester,
		evaluator:  evaluator,
		store:      store,
		source:     source,
		resolved:   resolved,
		options:    options,
		logger:     logger.WithField("component", "backtest"),
		metrics:    collector,
		now:        time.Now,
	}
}

// Run executes a backtest for the request. Invalid input yields a
// utils.ValidationError.
func (s *BacktestService) Run(ctx context.Context, req models.BacktestRequest) (*models.BacktestResult, error) {
	cfg, err := s.configFor(req)
	if err != nil {
		return nil, err
	}

	leader, err := s.loadLeader(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(leader.History) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrLeaderNoHistory, leader.ID)
	}

	if cfg.Outcome == "" {
		cfg.Outcome = InferOutcome(leader.History)
	}
	if cfg.SignalTime.IsZero() {
		cfg.SignalTime = DetectSignalTime(leader.History, cfg.Outcome, cfg.SignalThreshold, leader.EndDate)
	}

	followers, err := s.followersFor(ctx, *leader, req.FollowerIDs, cfg.SignalTime)
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"leader":    leader.ID,
		"outcome":   cfg.Outcome,
		"signal":    cfg.SignalTime.Format(time.RFC3339),
		"followers": len(followers),
	}).Info("Running backtest")

	return s.backtester.RunBacktest(ctx, *leader, followers, cfg)
}

func (s *BacktestService) configFor(req models.BacktestRequest) (BacktestConfig, error) {
	cfg := BacktestConfig{
		SignalThreshold: s.options.SignalThreshold,
		Horizons:        s.options.Horizons,
	}
	if strings.TrimSpace(req.LeaderID) == "" && strings.TrimSpace(req.ClobTokenID) == "" {
		return cfg, utils.NewFieldError("leader_id", "leader_id or clob_token_id is required")
	}

	if len(req.Horizons) > 0 {
		horizons, err := config.ParseHorizons(req.Horizons)
		if err != nil {
			return cfg, err
		}
		cfg.Horizons = horizons
	}

	if req.SignalTime != "" {
		t, err := parseSignalTime(req.SignalTime)
		if err != nil {
			return cfg, utils.NewFieldError("signal_time", "must be RFC3339 or YYYY-MM-DD")
		}
		cfg.SignalTime = t
	}

	switch strings.ToUpper(strings.TrimSpace(req.Outcome)) {
	case "":
	case string(models.OutcomeYes):
		cfg.Outcome = models.OutcomeYes
	case string(models.OutcomeNo):
		cfg.Outcome = models.OutcomeNo
	default:
		return cfg, utils.NewFieldError("outcome", "must be YES or NO")
	}
	return cfg, nil
}

func parseSignalTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse("2006-01-02", s)
}

// loadLeader prefers the stored market and history, falling back to the
// upstream API by CLOB token.
func (s *BacktestService) loadLeader(ctx context.Context, req models.BacktestRequest) (*models.Market, error) {
	var leader *models.Market
	if req.LeaderID != "" {
		m, err := s.store.GetMarket(ctx, req.LeaderID)
		switch {
		case err == nil:
			leader = m
		case !errors.Is(err, database.ErrMarketNotFound):
			return nil, err
		}
	}

	token := req.ClobTokenID
	if leader == nil {
		if token == "" {
			return nil, fmt.Errorf("%w: %s", ErrLeaderNotFound, req.LeaderID)
		}
		m, err := s.source.FetchMarketByToken(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLeaderNotFound, err)
		}
		leader = m
	}
	if token == "" {
		token = leader.ClobTokenID
	}

	history, err := s.store.GetPriceHistory(ctx, leader.ID)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 && token != "" {
		history, err = s.source.FetchPriceHistory(ctx, token)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch leader history: %w", err)
		}
	}
	leader.History = history.Normalize()
	return leader, nil
}

// followersFor builds the follower set. Explicit ids win; otherwise the
// leader's published links are used, and without any the candidates are
// discovered by correlating pre-signal histories. Followers whose history
// starts after the signal are dropped.
func (s *BacktestService) followersFor(ctx context.Context, leader models.Market, ids []string, signal time.Time) ([]FollowerCandidate, error) {
	links, err := s.store.GetCorrelationsFor(ctx, leader.ID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]float64, len(links))
	for _, l := range links {
		known[l.Other(leader.ID)] = l.Correlation
	}

	var markets []models.Market
	switch {
	case len(ids) > 0:
		for _, id := range ids {
			if id == leader.ID {
				continue
			}
			m, err := s.store.GetMarket(ctx, id)
			if errors.Is(err, database.ErrMarketNotFound) {
				s.logger.WithField("market_id", id).Warn("Follower not found, skipping")
				continue
			}
			if err != nil {
				return nil, err
			}
			markets = append(markets, *m)
		}
	case len(links) > 0:
		for _, l := range links {
			m, err := s.store.GetMarket(ctx, l.Other(leader.ID))
			if errors.Is(err, database.ErrMarketNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			markets = append(markets, *m)
		}
	default:
		all, err := s.store.GetActiveMarkets(ctx, s.options.MinFollowerVolume)
		if err != nil {
			return nil, err
		}
		for _, m := range all {
			if m.ID != leader.ID {
				markets = append(markets, m)
			}
		}
	}

	markets = startedBefore(markets, signal)
	if err := s.attachHistories(ctx, markets); err != nil {
		return nil, err
	}

	cutoff := signal.Unix()
	leaderWindow := historyUntil(leader.History, cutoff)
	candidates := make([]FollowerCandidate, 0, len(markets))
	for _, m := range markets {
		first, ok := m.History.First()
		if !ok || first.Timestamp > cutoff {
			continue
		}
		corr, found := known[m.ID]
		if !found {
			link, err := s.evaluator.Evaluate(
				models.Market{ID: leader.ID, Probability: leader.Probability, History: leaderWindow},
				models.Market{ID: m.ID, Probability: m.Probability, History: historyUntil(m.History, cutoff)},
			)
			if err == nil {
				corr = link.Correlation
			} else if len(ids) == 0 {
				continue
			}
		}
		candidates = append(candidates, FollowerCandidate{Market: m, Correlation: corr})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ai, aj := math.Abs(candidates[i].Correlation), math.Abs(candidates[j].Correlation)
		if ai != aj {
			return ai > aj
		}
		return candidates[i].Market.ID < candidates[j].Market.ID
	})
	if len(ids) == 0 && s.options.MaxFollowers > 0 && len(candidates) > s.options.MaxFollowers {
		candidates = candidates[:s.options.MaxFollowers]
	}
	return candidates, nil
}

// attachHistories loads stored histories and fetches missing ones upstream.
func (s *BacktestService) attachHistories(ctx context.Context, markets []models.Market) error {
	ids := make([]string, len(markets))
	for i, m := range markets {
		ids[i] = m.ID
	}
	histories, err := s.store.GetPriceHistories(ctx, ids)
	if err != nil {
		return err
	}
	for i := range markets {
		h := histories[markets[i].ID]
		if len(h) == 0 && markets[i].ClobTokenID != "" {
			fetched, err := s.source.FetchPriceHistory(ctx, markets[i].ClobTokenID)
			if err != nil {
				s.logger.WithError(err).WithField("market_id", markets[i].ID).Warn("Failed to fetch follower history")
			}
			h = fetched
		}
		markets[i].History = h.Normalize()
	}
	return nil
}

func startedBefore(markets []models.Market, signal time.Time) []models.Market {
	out := markets[:0]
	for _, m := range markets {
		if m.StartDate != nil && m.StartDate.After(signal) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// historyUntil returns the prefix of h with timestamps at or before ts.
func historyUntil(h models.PriceHistory, ts int64) models.PriceHistory {
	i := sort.Search(len(h), func(i int) bool { return h[i].Timestamp > ts })
	return h[:i]
}

// SearchResolved finds resolved markets by keyword or by a date the market
// was open on. A date search returns at most 50 markets by volume and takes
// precedence over the keyword.
func (s *BacktestService) SearchResolved(ctx context.Context, query, date string) ([]models.ResolvedMarket, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	date = strings.TrimSpace(date)

	var day time.Time
	if date != "" {
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, utils.NewFieldError("date", "must be YYYY-MM-DD")
		}
		day = d
	} else if len(query) < minQueryLength {
		return []models.ResolvedMarket{}, nil
	}

	markets, err := s.ResolvedMarkets(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]models.ResolvedMarket, 0)
	if date != "" {
		for _, m := range markets {
			if openOn(m.Market, day) {
				results = append(results, m)
			}
		}
		sort.SliceStable(results, func(i, j int) bool { return results[i].Volume > results[j].Volume })
		if len(results) > dateSearchLimit {
			results = results[:dateSearchLimit]
		}
		return results, nil
	}

	for _, m := range markets {
		if strings.Contains(strings.ToLower(m.Name), query) {
			results = append(results, m)
			if len(results) == keywordSearchLimit {
				break
			}
		}
	}
	return results, nil
}

func openOn(m models.Market, day time.Time) bool {
	if m.StartDate == nil || m.EndDate == nil {
		return false
	}
	start := truncateDay(*m.StartDate)
	end := truncateDay(*m.EndDate)
	return !day.Before(start) && !day.After(end)
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

// ResolvedMarkets returns the resolved market list, refetching it after the
// cache TTL. Concurrent misses share one upstream fetch.
func (s *BacktestService) ResolvedMarkets(ctx context.Context) ([]models.ResolvedMarket, error) {
	if markets, ok := s.cachedResolved(ctx); ok {
		return markets, nil
	}

	v, err, _ := s.group.Do("resolved", func() (interface{}, error) {
		markets, err := s.source.FetchResolvedMarkets(ctx, s.options.MaxResolved, s.options.MinFollowerVolume)
		if err != nil {
			return nil, err
		}
		s.storeResolved(ctx, markets)
		s.logger.WithField("count", len(markets)).Info("Cached resolved markets")
		return markets, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch resolved markets: %w", err)
	}
	return v.([]models.ResolvedMarket), nil
}

func (s *BacktestService) cachedResolved(ctx context.Context) ([]models.ResolvedMarket, bool) {
	if s.resolved != nil {
		markets, found, err := s.resolved.Load(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to read resolved market cache")
		}
		return markets, found
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	hit := s.memo != nil && s.now().Before(s.memoExpires)
	s.metrics.ObserveCache("resolved", hit)
	return s.memo, hit
}

func (s *BacktestService) storeResolved(ctx context.Context, markets []models.ResolvedMarket) {
	if s.resolved != nil {
		if err := s.resolved.Store(ctx, markets); err != nil {
			s.logger.WithError(err).Warn("Failed to write resolved market cache")
		}
		return
	}
	s.mu.Lock()
	s.memo = markets
	s.memoExpires = s.now().Add(s.options.SearchCacheTTL)
	s.mu.Unlock()
}
