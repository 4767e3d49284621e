package polymarket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/irfndi/polycorr/internal/config"
	"github.com/irfndi/polycorr/internal/metrics"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func retryingClient(serverURL string, collector *metrics.Collector, retries int) *Client {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(config.PolymarketConfig{
		GammaURL:          serverURL,
		ClobURL:           serverURL,
		Timeout:           5 * time.Second,
		BreakerFailures:   10,
		BreakerTimeout:    time.Minute,
		MaxRetries:        retries,
		RetryInitialDelay: time.Millisecond,
		RetryMaxDelay:     2 * time.Millisecond,
	}, logger, collector)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"history":[{"t":1,"p":0.5}]}`)
	}))
	defer server.Close()

	collector := metrics.NewCollector()
	history, err := retryingClient(server.URL, collector, 2).FetchPriceHistory(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(collector.UpstreamRequests.WithLabelValues("prices-history", "503")))
}

func TestClient_RetriesExhausted(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := retryingClient(server.URL, nil, 2).FetchPriceHistory(context.Background(), "tok")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	_, err := retryingClient(server.URL, nil, 3).FetchPriceHistory(context.Background(), "tok")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server error", &HTTPError{StatusCode: 502}, true},
		{"rate limited", &HTTPError{StatusCode: 429}, true},
		{"not found", &HTTPError{StatusCode: 404}, false},
		{"network", errors.New("connection reset by peer"), true},
		{"breaker open", gobreaker.ErrOpenState, false},
		{"cancelled", fmt.Errorf("request: %w", context.Canceled), false},
		{"deadline", context.DeadlineExceeded, false},
		{"bad body", errInvalidJSON, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	assert.Equal(t, 100*time.Millisecond, policy.Delay(0))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(2))
	assert.Equal(t, time.Second, policy.Delay(10))

	policy.JitterEnabled = true
	for i := 0; i < 20; i++ {
		d := policy.Delay(1)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestRetryPolicyFromConfig_Defaults(t *testing.T) {
	policy := RetryPolicyFromConfig(config.PolymarketConfig{MaxRetries: -1})
	assert.Equal(t, 0, policy.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, policy.InitialDelay)
	assert.Equal(t, 250*time.Millisecond, policy.MaxDelay)
}
