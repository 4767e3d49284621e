package polymarket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/metrics"
	"github.com/irfndi/polycorr/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const userAgent = "polycorr/1.0"

var errInvalidJSON = errors.New("invalid JSON response")

// HTTPError is returned when an upstream responds with status >= 400.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("polymarket error (%d): %s", e.StatusCode, e.Body)
}

// Client talks to the Gamma market API and the CLOB price history API.
// Every request waits on a shared rate limiter and runs through a circuit
// breaker; transient failures are retried with backoff.
type Client struct {
	HTTPClient *http.Client
	gammaURL   string
	clobURL    string
	pageSize   int
	maxMarkets int
	interval   string
	fidelity   int
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	retry      RetryPolicy
	logger     logrus.FieldLogger
	metrics    *metrics.Collector
}

// NewClient creates a new Polymarket client.
func NewClient(cfg config.PolymarketConfig, logger logrus.FieldLogger, collector *metrics.Collector) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "polymarket_client")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}

	settings := gobreaker.Settings{
		Name:    "polymarket",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &Client{
		HTTPClient: &http.Client{Timeout: timeout},
		gammaURL:   strings.TrimSuffix(cfg.GammaURL, "/"),
		clobURL:    strings.TrimSuffix(cfg.ClobURL, "/"),
		pageSize:   pageSize,
		maxMarkets: cfg.MaxMarkets,
		interval:   cfg.HistoryInterval,
		fidelity:   cfg.HistoryFidelity,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    gobreaker.NewCircuitBreaker(settings),
		retry:      RetryPolicyFromConfig(cfg),
		logger:     logger,
		metrics:    collector,
	}
}

// FetchActiveMarkets pages through open markets until a short page or the
// configured maximum. Markets without a CLOB token are dropped.
func (c *Client) FetchActiveMarkets(ctx context.Context) ([]models.Market, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("closed", "false")

	var markets []models.Market
	err := c.pageMarkets(ctx, params, c.maxMarkets, func(r gjson.Result) {
		m, _, ok := parseMarket(r)
		if !ok || m.ClobTokenID == "" {
			return
		}
		markets = append(markets, m)
	})
	if err != nil && len(markets) == 0 {
		return nil, err
	}
	if err != nil {
		c.logger.WithError(err).WithField("fetched", len(markets)).Warn("Stopped paging active markets early")
	}
	return markets, nil
}

// FetchResolvedMarkets pages through closed markets by volume and keeps
// those usable as backtest leaders: dated, tokenized, ended after
// 2023-01-01, at least minVolume and with a decided outcome.
func (c *Client) FetchResolvedMarkets(ctx context.Context, max int, minVolume float64) ([]models.ResolvedMarket, error) {
	params := url.Values{}
	params.Set("closed", "true")
	params.Set("order", "volume")
	params.Set("ascending", "false")

	cutoff := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	var resolved []models.ResolvedMarket
	err := c.pageMarkets(ctx, params, max, func(r gjson.Result) {
		m, prices, ok := parseMarket(r)
		if !ok || m.ClobTokenID == "" || m.StartDate == nil || m.EndDate == nil {
			return
		}
		if m.EndDate.Before(cutoff) || m.Volume < minVolume {
			return
		}
		outcome, decided := decidedOutcome(prices)
		if !decided {
			return
		}
		resolved = append(resolved, models.ResolvedMarket{Market: m, Outcome: outcome})
	})
	if err != nil && len(resolved) == 0 {
		return nil, err
	}
	if err != nil {
		c.logger.WithError(err).WithField("fetched", len(resolved)).Warn("Stopped paging resolved markets early")
	}

	sort.SliceStable(resolved, func(i, j int) bool { return resolved[i].Volume > resolved[j].Volume })
	return resolved, nil
}

// FetchMarketByToken looks up the market owning a CLOB token.
func (c *Client) FetchMarketByToken(ctx context.Context, tokenID string) (*models.Market, error) {
	params := url.Values{}
	params.Set("clob_token_ids", tokenID)

	body, err := c.get(ctx, "markets", c.gammaURL+"/markets?"+params.Encode())
	if err != nil {
		return nil, err
	}
	for _, r := range gjson.ParseBytes(body).Array() {
		if m, _, ok := parseMarket(r); ok {
			if m.ClobTokenID == "" {
				m.ClobTokenID = tokenID
			}
			return &m, nil
		}
	}
	return nil, fmt.Errorf("no market for token %s", tokenID)
}

// FetchPriceHistory returns the token's history at the configured interval.
func (c *Client) FetchPriceHistory(ctx context.Context, tokenID string) (models.PriceHistory, error) {
	return c.FetchPriceHistoryWith(ctx, tokenID, c.interval, c.fidelity)
}

// FetchPriceHistoryWith returns the token's history for an explicit interval
// ("1d", "1w", "max", ...) and fidelity in minutes, sorted ascending with
// duplicate timestamps collapsed.
func (c *Client) FetchPriceHistoryWith(ctx context.Context, tokenID, interval string, fidelity int) (models.PriceHistory, error) {
	if tokenID == "" {
		return nil, errors.New("token id is required")
	}
	params := url.Values{}
	params.Set("market", tokenID)
	if interval != "" {
		params.Set("interval", interval)
	}
	if fidelity > 0 {
		params.Set("fidelity", strconv.Itoa(fidelity))
	}

	body, err := c.get(ctx, "prices-history", c.clobURL+"/prices-history?"+params.Encode())
	if err != nil {
		return nil, err
	}
	return parseHistory(body), nil
}

func (c *Client) pageMarkets(ctx context.Context, params url.Values, max int, visit func(gjson.Result)) error {
	fetched := 0
	for offset := 0; max <= 0 || fetched < max; offset += c.pageSize {
		params.Set("limit", strconv.Itoa(c.pageSize))
		params.Set("offset", strconv.Itoa(offset))

		body, err := c.get(ctx, "markets", c.gammaURL+"/markets?"+params.Encode())
		if err != nil {
			return fmt.Errorf("failed to fetch markets at offset %d: %w", offset, err)
		}
		page := gjson.ParseBytes(body).Array()
		for _, r := range page {
			visit(r)
		}
		fetched += len(page)
		if len(page) < c.pageSize {
			return nil
		}
	}
	return nil
}

// get performs a GET, retrying transient failures per the retry policy.
func (c *Client) get(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	return c.withRetry(ctx, endpoint, func() ([]byte, error) {
		return c.do(ctx, endpoint, rawURL)
	})
}

// do performs one rate limited GET through the circuit breaker.
func (c *Client) do(ctx context.Context, endpoint, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	status := "error"
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to make request: %w", err)
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.WithError(err).Debug("Error closing response body")
			}
		}()
		status = strconv.Itoa(resp.StatusCode)

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
		}
		if !gjson.ValidBytes(body) {
			return nil, errInvalidJSON
		}
		return body, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		status = "breaker_open"
	}
	c.metrics.ObserveUpstream(endpoint, status, time.Since(start))
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// BreakerState reports the circuit breaker state ("closed", "half-open", "open").
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
