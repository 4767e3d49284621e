package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/irfndi/polycorr/internal/telemetry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrNoEligibleMarkets is returned when no fetched market passes the prefilter.
// The previously published graph is left untouched.
var ErrNoEligibleMarkets = errors.New("no eligible markets")

// RefreshOptions configures the refresh job
type RefreshOptions struct {
	Filter         MarketFilter
	GraphMinVolume float64
	Interval       time.Duration
	Retention      time.Duration
	HistoryWorkers int
}

// RefreshOptionsFromConfig maps configuration onto refresh options.
func RefreshOptionsFromConfig(cfg *config.Config) RefreshOptions {
	return RefreshOptions{
		Filter:         MarketFilterFromConfig(cfg.Filter),
		GraphMinVolume: cfg.Filter.GraphMinVolume,
		Interval:       cfg.Refresh.Interval,
		Retention:      cfg.Refresh.HistoryRetention,
		HistoryWorkers: cfg.Polymarket.HistoryWorkers,
	}
}

// RefreshSummary describes one completed refresh
type RefreshSummary struct {
	Fetched         int           `json:"fetched"`
	Eligible        int           `json:"eligible"`
	HistoryFailures int           `json:"history_failures"`
	Candidates      int           `json:"candidates"`
	Links           int           `json:"links"`
	ClosedMarkets   int64         `json:"closed_markets"`
	PrunedPoints    int64         `json:"pruned_points"`
	Duration        time.Duration `json:"duration"`
	CompletedAt     time.Time     `json:"completed_at"`
}

// RefreshService rebuilds the stored market set and correlation graph from upstream
type RefreshService struct {
	source      MarketSource
	store       MarketStore
	classifier  Classifier
	correlation *CorrelationService
	snapshots   GraphSnapshotStore
	options     RefreshOptions
	logger      *logrus.Entry
	metrics     *metrics.Collector
	tracer      *telemetry.BusinessTracer
	now         func() time.Time

	group      singleflight.Group
	inProgress atomic.Bool
	runCtx     context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once

	// mu orders wg.Add against Stop; no goroutine is added once stopped is set.
	mu      sync.Mutex
	stopped bool
}

// NewRefreshService creates a new refresh service. snapshots may be nil.
func NewRefreshService(
	source MarketSource,
	store MarketStore,
	classifier Classifier,
	correlation *CorrelationService,
	snapshots GraphSnapshotStore,
	options RefreshOptions,
	logger *logrus.Logger,
	collector *metrics.Collector,
) *RefreshService {
	if options.HistoryWorkers < 1 {
		options.HistoryWorkers = 1
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &RefreshService{
		source:      source,
		store:       store,
		classifier:  classifier,
		correlation: correlation,
		snapshots:   snapshots,
		options:     options,
		logger:      logger.WithField("component", "refresh"),
		metrics:     collector,
		tracer:      telemetry.NewBusinessTracer(),
		now:         time.Now,
		runCtx:      runCtx,
		cancel:      cancel,
	}
}

// Refresh runs the full pipeline. Concurrent callers share one run.
func (s *RefreshService) Refresh(ctx context.Context) (*RefreshSummary, error) {
	v, err, shared := s.group.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if shared {
		s.logger.Debug("Joined in-flight refresh")
	}
	if err != nil {
		return nil, err
	}
	return v.(*RefreshSummary), nil
}

func (s *RefreshService) refresh(ctx context.Context) (summary *RefreshSummary, err error) {
	start := s.now()
	ctx, span := s.tracer.TraceRefresh(ctx)
	defer func() {
		result := "success"
		if err != nil {
			result = "failure"
			s.tracer.RecordError(span, err)
		}
		s.metrics.ObserveRefresh(result)
		span.End()
	}()

	fetched, err := s.source.FetchActiveMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch markets: %w", err)
	}
	eligible := FilterEligibleMarkets(fetched, s.options.Filter)
	s.logger.WithFields(logrus.Fields{
		"fetched":  len(fetched),
		"eligible": len(eligible),
	}).Info("Fetched active markets")
	if len(eligible) == 0 {
		return nil, ErrNoEligibleMarkets
	}

	categories, err := s.classifier.Classify(ctx, eligible)
	if err != nil {
		return nil, fmt.Errorf("failed to classify markets: %w", err)
	}
	for i := range eligible {
		if c, ok := categories[eligible[i].ID]; ok {
			eligible[i].Category = c
		}
	}

	failures, err := s.fetchHistories(ctx, eligible)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpsertMarkets(ctx, eligible); err != nil {
		return nil, err
	}
	for _, m := range eligible {
		if err := s.store.SavePriceHistory(ctx, m.ID, m.History); err != nil {
			return nil, err
		}
	}

	result, err := s.correlation.ComputeGraph(ctx, eligible)
	if err != nil {
		return nil, err
	}
	activeIDs := make([]string, len(eligible))
	for i, m := range eligible {
		activeIDs[i] = m.ID
	}
	closed, err := s.store.PublishGraph(ctx, activeIDs, result.Links)
	if err != nil {
		return nil, err
	}

	completedAt := s.now().UTC()
	metadata := map[string]string{
		models.MetaLastRefresh:       completedAt.Format(time.RFC3339),
		models.MetaTotalMarkets:      strconv.Itoa(len(eligible)),
		models.MetaTotalCorrelations: strconv.Itoa(len(result.Links)),
	}
	for _, key := range []string{models.MetaTotalMarkets, models.MetaTotalCorrelations, models.MetaLastRefresh} {
		if err := s.store.SetMetadata(ctx, key, metadata[key]); err != nil {
			return nil, err
		}
	}

	var pruned int64
	if s.options.Retention > 0 {
		pruned, err = s.store.CleanupOldHistory(ctx, completedAt.Add(-s.options.Retention))
		if err != nil {
			s.logger.WithError(err).Warn("Failed to prune old price history")
		}
	}

	if s.snapshots != nil {
		graph := BuildGraph(eligible, result.Links, s.options.GraphMinVolume, completedAt)
		if err := s.snapshots.Store(ctx, graph); err != nil {
			s.logger.WithError(err).Warn("Failed to store graph snapshot")
		}
	}

	summary = &RefreshSummary{
		Fetched:         len(fetched),
		Eligible:        len(eligible),
		HistoryFailures: failures,
		Candidates:      result.Stats.Candidates,
		Links:           len(result.Links),
		ClosedMarkets:   closed,
		PrunedPoints:    pruned,
		Duration:        s.now().Sub(start),
		CompletedAt:     completedAt,
	}
	s.logger.WithFields(logrus.Fields{
		"markets":          summary.Eligible,
		"links":            summary.Links,
		"closed_markets":   summary.ClosedMarkets,
		"history_failures": summary.HistoryFailures,
		"pruned_points":    summary.PrunedPoints,
		"duration":         summary.Duration.String(),
	}).Info("Refresh completed")
	return summary, nil
}

// fetchHistories fills each market's history on a bounded pool. A market
// whose history cannot be fetched keeps an empty history and is rejected
// later as insufficient data.
func (s *RefreshService) fetchHistories(ctx context.Context, markets []models.Market) (int, error) {
	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.options.HistoryWorkers)

	for i := range markets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			history, err := s.source.FetchPriceHistory(gctx, markets[i].ClobTokenID)
			if err != nil {
				failures.Add(1)
				s.logger.WithError(err).WithField("market_id", markets[i].ID).Warn("Failed to fetch price history")
				return nil
			}
			markets[i].History = history.Normalize()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("history fetch interrupted: %w", err)
	}
	return int(failures.Load()), nil
}

// Status reports the metadata written by the last refresh.
func (s *RefreshService) Status(ctx context.Context) (models.RefreshStatus, error) {
	status := models.RefreshStatus{Status: models.StatusNeedsRefresh}

	last, found, err := s.store.GetMetadata(ctx, models.MetaLastRefresh)
	if err != nil {
		return status, err
	}
	if found {
		if t, err := time.Parse(time.RFC3339, last); err == nil {
			status.LastRefresh = &t
			status.Status = models.StatusReady
		}
	}

	for key, dest := range map[string]*int{
		models.MetaTotalMarkets:      &status.TotalMarkets,
		models.MetaTotalCorrelations: &status.TotalCorrelations,
	} {
		value, found, err := s.store.GetMetadata(ctx, key)
		if err != nil {
			return status, err
		}
		if found {
			*dest, _ = strconv.Atoi(value)
		}
	}
	return status, nil
}

// IsStale reports whether the last refresh is missing, unreadable or older
// than the refresh interval.
func (s *RefreshService) IsStale(ctx context.Context) (bool, error) {
	status, err := s.Status(ctx)
	if err != nil {
		return false, err
	}
	if status.LastRefresh == nil {
		return true, nil
	}
	return s.now().Sub(*status.LastRefresh) > s.options.Interval, nil
}

// RefreshIfStale starts a background refresh when the data is stale and no
// refresh is already running. It reports whether one was started.
func (s *RefreshService) RefreshIfStale(ctx context.Context) bool {
	if s.inProgress.Load() {
		return false
	}
	stale, err := s.IsStale(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to read refresh status")
		return false
	}
	if !stale {
		return false
	}
	return s.TriggerRefresh()
}

// TriggerRefresh starts a background refresh unless one is running or the
// service is stopped.
func (s *RefreshService) TriggerRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !s.inProgress.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inProgress.Store(false)
		if _, err := s.Refresh(s.runCtx); err != nil {
			s.logger.WithError(err).Error("Background refresh failed")
		}
	}()
	return true
}

// InProgress reports whether a background refresh is running.
func (s *RefreshService) InProgress() bool {
	return s.inProgress.Load()
}

// Start refreshes stale data now and then on every interval until Stop.
func (s *RefreshService) Start() {
	s.startOnce.Do(func() {
		interval := s.options.Interval
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RefreshIfStale(s.runCtx)

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.runCtx.Done():
					return
				case <-ticker.C:
					s.TriggerRefresh()
				}
			}
		}()
		s.logger.WithField("interval", interval.String()).Info("Refresh scheduler started")
	})
}

// Stop cancels running refreshes and waits for them to exit.
func (s *RefreshService) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.cancel()
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info("Refresh scheduler stopped")
	})
}
