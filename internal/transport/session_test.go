package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/japanese"
)

func TestSessionGetDocumentDecodesEUCJP(t *testing.T) {
	t.Parallel()

	body, err := japanese.EUCJP.NewEncoder().String(`<html><body><pre id="source">本文</pre></body></html>`)
	require.NoError(t, err)

	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=EUC-JP")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	s := NewSession(Config{UserAgent: "pukiwiki-dumper/test", Timeout: 5 * time.Second}, zap.NewNop())
	doc, err := s.GetDocument(context.Background(), srv.URL)
	require.NoError(t, err)
	require.NoError(t, doc.Err())

	assert.Equal(t, "pukiwiki-dumper/test", gotUA)
	assert.Equal(t, EUCJP, doc.Encoding)
	html, err := doc.HTML()
	require.NoError(t, err)
	assert.Equal(t, "本文", html.Find("pre#source").Text())
}

func TestSessionPostDocumentSendsForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "attach", r.PostForm.Get("plugin"))
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	s := NewSession(Config{}, nil)
	doc, err := s.PostDocument(context.Background(), srv.URL, "plugin=attach&pcmd=list")
	require.NoError(t, err)

	var se *StatusError
	require.True(t, errors.As(doc.Err(), &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestSessionTrimsPHPWarnings(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<br />\n<b>Warning</b>: Cannot modify header\n<!DOCTYPE html><html><body>x</body></html>"))
	}))
	t.Cleanup(srv.Close)

	s := NewSession(Config{TrimPHPWarnings: true}, nil)
	doc, err := s.GetDocument(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "<!DOCTYPE html><html><body>x</body></html>", doc.Text)
}

func TestTrimPHPWarningsLeavesCleanDocuments(t *testing.T) {
	t.Parallel()

	clean := "<html><body>Warning signs</body></html>"
	assert.Equal(t, clean, TrimPHPWarnings(clean))
	assert.Equal(t, "intro <html></html>", TrimPHPWarnings("intro <html></html>"))
}

func TestDelayTransportPacesRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := &http.Client{Transport: NewDelayTransport(http.DefaultTransport, 100*time.Millisecond)}
	start := time.Now()
	for range 3 {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.GreaterOrEqual(t, time.Since(start), 180*time.Millisecond)
}

// dropFirst closes the connection without a response for the first n requests.
func dropFirst(t *testing.T, n int32, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= n {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionHardRetriesNetworkErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := dropFirst(t, 2, &hits)

	s := NewSession(Config{Timeout: 5 * time.Second, BackoffMax: time.Millisecond, HardRetries: 2}, zap.NewNop())
	resp, err := s.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.EqualValues(t, 3, hits.Load())
}

func TestSessionWithoutHardRetriesFailsOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := dropFirst(t, 1, &hits)

	s := NewSession(Config{Timeout: 5 * time.Second}, zap.NewNop())
	_, err := s.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestSessionHardRetriesSkipStatusErrors(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := NewSession(Config{Timeout: 5 * time.Second, BackoffMax: time.Millisecond, HardRetries: 3}, zap.NewNop())
	_, err := s.Get(context.Background(), srv.URL, nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.EqualValues(t, 1, hits.Load())
}
