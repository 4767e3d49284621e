package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polycorr"

// Collector holds the Prometheus metrics exported by the service
type Collector struct {
	registry *prometheus.Registry

	PairsEvaluated   prometheus.Counter
	PairsRejected    *prometheus.CounterVec
	LinksCandidate   prometheus.Gauge
	LinksRetained    prometheus.Gauge
	MarketsTracked   prometheus.Gauge
	GraphDuration    prometheus.Histogram
	RefreshRuns      *prometheus.CounterVec
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	BacktestRuns     *prometheus.CounterVec
	BacktestTrades   *prometheus.CounterVec
	CacheOperations  *prometheus.CounterVec
}

// NewCollector creates the metric set and registers it on a dedicated registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		PairsEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_evaluated_total",
			Help:      "Total number of market pairs evaluated",
		}),
		PairsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_rejected_total",
			Help:      "Market pairs rejected by reason",
		}, []string{"reason"}),
		LinksCandidate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_candidate",
			Help:      "Candidate links produced by the last graph computation",
		}),
		LinksRetained: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_retained",
			Help:      "Links retained after fan-out capping in the last graph computation",
		}),
		MarketsTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "markets_tracked",
			Help:      "Markets included in the last graph computation",
		}),
		GraphDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "graph_compute_duration_seconds",
			Help:      "Duration of correlation graph computation",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		RefreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_runs_total",
			Help:      "Refresh job runs by result",
		}, []string{"result"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Requests to the market data API by endpoint and status",
		}, []string{"endpoint", "status"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Latency of market data API requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		BacktestRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtest_runs_total",
			Help:      "Backtest runs by result",
		}, []string{"result"}),
		BacktestTrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backtest_trades_total",
			Help:      "Simulated trades by status",
		}, []string{"status"}),
		CacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache lookups by cache and result",
		}, []string{"cache", "result"}),
	}

	c.registry.MustRegister(
		c.PairsEvaluated,
		c.PairsRejected,
		c.LinksCandidate,
		c.LinksRetained,
		c.MarketsTracked,
		c.GraphDuration,
		c.RefreshRuns,
		c.UpstreamRequests,
		c.UpstreamLatency,
		c.BacktestRuns,
		c.BacktestTrades,
		c.CacheOperations,
		collectors.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry for tests and custom handlers.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveGraph records the outcome of a graph computation.
func (c *Collector) ObserveGraph(markets, pairs, candidates, retained int, rejected map[string]int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.MarketsTracked.Set(float64(markets))
	c.PairsEvaluated.Add(float64(pairs))
	c.LinksCandidate.Set(float64(candidates))
	c.LinksRetained.Set(float64(retained))
	c.GraphDuration.Observe(elapsed.Seconds())
	for reason, n := range rejected {
		c.PairsRejected.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveUpstream records a market data API call.
func (c *Collector) ObserveUpstream(endpoint, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.UpstreamRequests.WithLabelValues(endpoint, status).Inc()
	c.UpstreamLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// ObserveRefresh records a refresh job result ("success" or "failure").
func (c *Collector) ObserveRefresh(result string) {
	if c == nil {
		return
	}
	c.RefreshRuns.WithLabelValues(result).Inc()
}

// ObserveBacktest records a backtest run and its trade statuses.
func (c *Collector) ObserveBacktest(result string, ok, skipped int) {
	if c == nil {
		return
	}
	c.BacktestRuns.WithLabelValues(result).Inc()
	c.BacktestTrades.WithLabelValues("ok").Add(float64(ok))
	c.BacktestTrades.WithLabelValues("skipped").Add(float64(skipped))
}

// ObserveCache records a cache lookup.
func (c *Collector) ObserveCache(cache string, hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheOperations.WithLabelValues(cache, result).Inc()
}

// ObserveCacheBatch records the outcome of a multi-key cache lookup.
func (c *Collector) ObserveCacheBatch(cache string, hits, misses int) {
	if c == nil {
		return
	}
	c.CacheOperations.WithLabelValues(cache, "hit").Add(float64(hits))
	c.CacheOperations.WithLabelValues(cache, "miss").Add(float64(misses))
}
