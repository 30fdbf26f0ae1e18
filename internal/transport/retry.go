package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
)

// drainLimit bounds how much of a failed body is read before closing it.
const drainLimit = 64 << 10

// StatusError is returned when a request ends with a non-success status after
// the retry budget is spent, or when a caller rejects a status outright.
type StatusError struct {
	Code   int
	Status string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s", e.Status, e.URL)
}

// RetryPolicy decides whether and when to retry an attempt.
type RetryPolicy interface {
	MaxRetries() int
	ShouldRetry(resp *http.Response, err error) (bool, string)
	Backoff(n int) time.Duration
}

type idleCloser interface {
	CloseIdleConnections()
}

// RetryTransport decorates a base RoundTripper with retry and backoff. Every
// method is retried, POST included, provided the body can be rewound.
type RetryTransport struct {
	base   http.RoundTripper
	policy RetryPolicy
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// NewRetryTransport wraps base. A nil base means http.DefaultTransport.
func NewRetryTransport(base http.RoundTripper, policy RetryPolicy, logger *zap.Logger) *RetryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryTransport{
		base:   base,
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
		now:    time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attempt := req
	for n := 0; ; n++ {
		resp, err := t.base.RoundTrip(attempt)
		retry, reason := t.policy.ShouldRetry(resp, err)
		if !retry {
			return resp, err
		}
		if n >= t.policy.MaxRetries() {
			if err != nil {
				return nil, fmt.Errorf("giving up after %d retries: %w", n, err)
			}
			t.discard(resp)
			return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status, URL: req.URL.String()}
		}

		delay, fromServer := RetryAfter(resp, t.now())
		if !fromServer {
			delay = t.policy.Backoff(n + 1)
		}
		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("url", req.URL.Redacted()),
			zap.Int("attempt", n+1),
			zap.Duration("delay", delay),
		}
		if resp != nil {
			fields = append(fields, zap.String("status", resp.Status))
			t.discard(resp)
		} else {
			fields = append(fields, zap.Error(err))
		}
		t.logger.Warn("req retry", fields...)
		metrics.ObserveRetry(reason)

		next, rerr := rewind(req)
		if rerr != nil {
			return nil, rerr
		}
		if err := t.sleep(req.Context(), delay); err != nil {
			return nil, fmt.Errorf("retry wait: %w", err)
		}
		attempt = next
	}
}

// discard drains and closes a response we are about to retry, then drops idle
// pooled connections so the next attempt dials fresh. Drain failures are
// tolerated.
func (t *RetryTransport) discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))
	_ = resp.Body.Close()
	if c, ok := t.base.(idleCloser); ok {
		c.CloseIdleConnections()
	}
}

// CloseIdleConnections forwards to the base transport.
func (t *RetryTransport) CloseIdleConnections() {
	if c, ok := t.base.(idleCloser); ok {
		c.CloseIdleConnections()
	}
}

func rewind(req *http.Request) (*http.Request, error) {
	next := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return next, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry %s %s: body not rewindable", req.Method, req.URL.Redacted())
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind body: %w", err)
	}
	next.Body = body
	return next, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
