package polymarket

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/irfndi/polycorr/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// RetryPolicy defines retry behavior for failed upstream requests
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// RetryPolicyFromConfig maps configuration onto a retry policy. Zero
// MaxRetries disables retries.
func RetryPolicyFromConfig(cfg config.PolymarketConfig) RetryPolicy {
	policy := RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		InitialDelay:  cfg.RetryInitialDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 250 * time.Millisecond
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	return policy
}

// Delay returns the wait before retry number attempt (zero based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.BackoffFactor, float64(attempt))
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	if p.JitterEnabled {
		// up to 25% either way
		d += d * 0.5 * (rand.Float64() - 0.5)
	}
	return time.Duration(d)
}

// retryable reports whether another attempt could succeed. Rejections by the
// open breaker, cancellations, malformed bodies and client errors other than
// 429 are final.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return false
	case errors.Is(err, errInvalidJSON):
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError
	}
	return true
}

func (c *Client) withRetry(ctx context.Context, endpoint string, op func() ([]byte, error)) ([]byte, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		body, err := op()
		if err == nil {
			if attempt > 0 {
				c.logger.WithFields(logrus.Fields{
					"endpoint": endpoint,
					"attempts": attempt + 1,
					"duration": time.Since(start).String(),
				}).Info("Upstream request recovered after retry")
			}
			return body, nil
		}
		if attempt >= c.retry.MaxRetries || !retryable(err) {
			return nil, err
		}

		wait := c.retry.Delay(attempt)
		c.logger.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt + 1,
			"delay":    wait.String(),
		}).WithError(err).Warn("Upstream request failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		case <-timer.C:
		}
	}
}
