package transport

import (
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
)

// DelayTransport spaces outgoing requests at least delay apart across every
// goroutine sharing it.
type DelayTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

// NewDelayTransport wraps base. A non-positive delay disables pacing.
func NewDelayTransport(base http.RoundTripper, delay time.Duration) *DelayTransport {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &DelayTransport{
		base:    base,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *DelayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("request delay wait: %w", err)
	}
	return t.base.RoundTrip(req)
}

// CloseIdleConnections forwards to the base transport.
func (t *DelayTransport) CloseIdleConnections() {
	if c, ok := t.base.(idleCloser); ok {
		c.CloseIdleConnections()
	}
}

// meteredTransport counts every attempt that reaches the network.
type meteredTransport struct {
	base http.RoundTripper
}

func (t meteredTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	code := 0
	if resp != nil {
		code = resp.StatusCode
	}
	metrics.ObserveRequest(req.Method, code)
	return resp, err
}

func (t meteredTransport) CloseIdleConnections() {
	if c, ok := t.base.(idleCloser); ok {
		c.CloseIdleConnections()
	}
}
