package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestRetryTransport(maxRetries int) (*RetryTransport, *sleepRecorder) {
	rec := &sleepRecorder{}
	rt := NewRetryTransport(http.DefaultTransport, NewExponentialRetryPolicy(maxRetries, time.Second, time.Minute), zap.NewNop())
	rt.sleep = rec.sleep
	return rt, rec
}

func TestRetryTransportRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)

	rt, rec := newTestRetryTransport(5)
	client := &http.Client{Transport: rt}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.EqualValues(t, 3, hits.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.recorded())
}

func TestRetryTransportDialsFreshConnectionForRetry(t *testing.T) {
	t.Parallel()

	var hits, conns atomic.Int32
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	srv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	srv.Start()
	t.Cleanup(srv.Close)

	base := &http.Transport{}
	t.Cleanup(base.CloseIdleConnections)
	rt := NewRetryTransport(base, NewExponentialRetryPolicy(3, time.Second, time.Minute), zap.NewNop())
	rt.sleep = (&sleepRecorder{}).sleep
	client := &http.Client{Transport: rt}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	require.NoError(t, resp.Body.Close())

	assert.EqualValues(t, 2, hits.Load())
	assert.EqualValues(t, 2, conns.Load(), "the retry does not reuse the failed connection")
}

func TestRetryTransportHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	rt, rec := newTestRetryTransport(3)
	resp, err := (&http.Client{Transport: rt}).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []time.Duration{7 * time.Second}, rec.recorded())
}

func TestRetryTransportRewindsPostBody(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		n := len(bodies)
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	rt, _ := newTestRetryTransport(2)
	resp, err := (&http.Client{Transport: rt}).Post(srv.URL, "application/x-www-form-urlencoded",
		strings.NewReader("plugin=attach&pcmd=list"))
	require.NoError(t, err)
	resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"plugin=attach&pcmd=list", "plugin=attach&pcmd=list"}, bodies)
}

func TestRetryTransportExhaustionReturnsStatusError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	rt, rec := newTestRetryTransport(2)
	_, err := (&http.Client{Transport: rt}).Get(srv.URL)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
	assert.EqualValues(t, 3, hits.Load())
	assert.Len(t, rec.recorded(), 2)
}

func TestRetryTransportPassesThroughClientErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	rt, rec := newTestRetryTransport(5)
	resp, err := (&http.Client{Transport: rt}).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 1, hits.Load())
	assert.Empty(t, rec.recorded())
}

func TestRetryTransportStopsOnCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	rt := NewRetryTransport(nil, NewExponentialRetryPolicy(5, time.Second, 0), nil)
	rt.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = (&http.Client{Transport: rt}).Do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExponentialBackoff(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 1500*time.Millisecond, 5*time.Second)
	assert.Equal(t, 1500*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 3*time.Second, p.Backoff(2))
	assert.Equal(t, 5*time.Second, p.Backoff(3), "backoff is capped")
	assert.Equal(t, 5, p.MaxRetries())
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(1, time.Second, 0)
	for code, want := range map[int]bool{
		http.StatusOK:                  false,
		http.StatusForbidden:           false,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusServiceUnavailable:  true,
		http.StatusGatewayTimeout:      true,
		http.StatusNotImplemented:      false,
	} {
		got, _ := p.ShouldRetry(&http.Response{StatusCode: code}, nil)
		assert.Equal(t, want, got, "status %d", code)
	}

	got, reason := p.ShouldRetry(nil, errors.New("connection reset"))
	assert.True(t, got)
	assert.Equal(t, "network", reason)

	got, _ = p.ShouldRetry(nil, context.DeadlineExceeded)
	assert.False(t, got)
}

func TestRetryAfterHTTPDate(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))

	d, ok := RetryAfter(resp, now)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	resp.Header.Set("Retry-After", "soon")
	_, ok = RetryAfter(resp, now)
	assert.False(t, ok)
}
