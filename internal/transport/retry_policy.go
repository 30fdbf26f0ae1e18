package transport

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryStatuses are the server-error and rate-limit codes worth another try.
var retryStatuses = map[int]struct{}{
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// ExponentialRetryPolicy retries failed attempts with factor * 2^(n-1) backoff.
type ExponentialRetryPolicy struct {
	maxRetries int
	factor     time.Duration
	maxDelay   time.Duration
}

// NewExponentialRetryPolicy builds a policy allowing maxRetries retries after
// the first attempt.
func NewExponentialRetryPolicy(maxRetries int, factor, maxDelay time.Duration) *ExponentialRetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if maxDelay <= 0 {
		maxDelay = 120 * time.Second
	}
	return &ExponentialRetryPolicy{
		maxRetries: maxRetries,
		factor:     factor,
		maxDelay:   maxDelay,
	}
}

// MaxRetries returns the retry budget.
func (p *ExponentialRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// ShouldRetry reports whether the outcome of one attempt deserves another and
// a short reason for logs and metrics.
func (p *ExponentialRetryPolicy) ShouldRetry(resp *http.Response, err error) (bool, string) {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false, ""
		}
		return true, "network"
	}
	if resp == nil {
		return false, ""
	}
	if _, ok := retryStatuses[resp.StatusCode]; ok {
		return true, strconv.Itoa(resp.StatusCode)
	}
	return false, ""
}

// Backoff returns the wait before retry number n (1-based).
func (p *ExponentialRetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.factor) * math.Pow(2, float64(n-1))
	if delay > float64(p.maxDelay) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

// RetryAfter parses a Retry-After header given either as delta-seconds or as an
// HTTP date. ok is false when the header is missing or unusable.
func RetryAfter(resp *http.Response, now time.Time) (time.Duration, bool) {
	if resp == nil {
		return 0, false
	}
	v := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
