// Package transport performs every outbound request of the dumper with
// uniform retry, pacing, and character-encoding semantics.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
)

// Config controls the HTTP session.
type Config struct {
	UserAgent       string
	Timeout         time.Duration
	MaxRetries      int
	BackoffFactor   time.Duration
	BackoffMax      time.Duration
	Delay           time.Duration
	Insecure        bool
	TrimPHPWarnings bool
	// HardRetries restarts a request that still fails at the network level
	// after the retry budget is spent. Each restart waits BackoffMax first.
	HardRetries int
}

// Session is the shared HTTP client. It is safe for concurrent use.
type Session struct {
	cfg       Config
	client    *http.Client
	transport http.RoundTripper
	logger    *zap.Logger
}

// NewSession builds the transport chain: pacing, then retry, then metrics,
// then a pooled http.Transport.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	policy := NewExponentialRetryPolicy(cfg.MaxRetries, cfg.BackoffFactor, cfg.BackoffMax)
	return NewSessionWithTransport(cfg, NewRetryTransport(meteredTransport{base: newHTTPTransport(cfg)}, policy, logger), logger)
}

// NewSessionWithTransport wraps an existing RoundTripper with pacing only.
// Tests use it to inject a retry transport with a fake clock.
func NewSessionWithTransport(cfg Config, rt http.RoundTripper, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	chain := NewDelayTransport(rt, cfg.Delay)
	return &Session{
		cfg:       cfg,
		client:    &http.Client{Transport: chain},
		transport: chain,
		logger:    logger,
	}
}

// Transport exposes the decorated RoundTripper so other HTTP stacks (colly)
// share the same retry and pacing behavior.
func (s *Session) Transport() http.RoundTripper {
	return s.transport
}

// UserAgent returns the configured User-Agent.
func (s *Session) UserAgent() string {
	return s.cfg.UserAgent
}

// CloseIdleConnections releases pooled connections.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Get issues a GET and returns the live response for streaming. The caller
// must close the body.
func (s *Session) Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	return s.do(ctx, http.MethodGet, rawURL, nil, header)
}

// PostForm issues an application/x-www-form-urlencoded POST. form must already
// be encoded in the target site's encoding.
func (s *Session) PostForm(ctx context.Context, rawURL, form string, header http.Header) (*http.Response, error) {
	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(ctx, http.MethodPost, rawURL, []byte(form), h)
}

// GetDocument fetches and decodes an HTML document.
func (s *Session) GetDocument(ctx context.Context, rawURL string) (*Document, error) {
	resp, err := s.Get(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.readDocument(resp)
}

// PostDocument posts form and decodes the HTML response.
func (s *Session) PostDocument(ctx context.Context, rawURL, form string) (*Document, error) {
	resp, err := s.PostForm(ctx, rawURL, form, nil)
	if err != nil {
		return nil, err
	}
	return s.readDocument(resp)
}

func (s *Session) do(ctx context.Context, method, rawURL string, body []byte, header http.Header) (*http.Response, error) {
	for hard := 0; ; hard++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, fmt.Errorf("build %s request: %w", method, err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if s.cfg.UserAgent != "" {
			req.Header.Set("User-Agent", s.cfg.UserAgent)
		}
		resp, err := s.client.Do(req)
		if err == nil {
			s.logger.Debug("resp",
				zap.String("method", method),
				zap.Int("status", resp.StatusCode),
				zap.String("url", rawURL),
			)
			return resp, nil
		}
		var statusErr *StatusError
		if hard >= s.cfg.HardRetries || ctx.Err() != nil || errors.As(err, &statusErr) {
			return nil, fmt.Errorf("%s %s: %w", method, rawURL, err)
		}
		s.logger.Warn("hard retry",
			zap.String("method", method),
			zap.String("url", rawURL),
			zap.Int("attempt", hard+1),
			zap.Duration("delay", s.cfg.BackoffMax),
			zap.Error(err),
		)
		metrics.ObserveRetry("hard")
		if err := sleepContext(ctx, s.cfg.BackoffMax); err != nil {
			return nil, fmt.Errorf("hard retry wait: %w", err)
		}
	}
}

func (s *Session) readDocument(resp *http.Response) (*Document, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", resp.Request.URL.Redacted(), err)
	}
	text, enc, err := DecodeDocument(raw, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", resp.Request.URL.Redacted(), err)
	}
	if s.cfg.TrimPHPWarnings {
		text = TrimPHPWarnings(text)
	}
	return &Document{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Header:     resp.Header.Clone(),
		Raw:        raw,
		Text:       text,
		Encoding:   enc,
	}, nil
}

// Document is a fully read and decoded HTML response.
type Document struct {
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Raw        []byte
	Text       string
	// Encoding is the canonical name of the encoding that produced Text.
	Encoding string
}

// Err returns a *StatusError for non-2xx documents.
func (d *Document) Err() error {
	if d.StatusCode >= 200 && d.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: d.StatusCode, Status: d.Status, URL: d.URL}
}

// HTML parses Text into a goquery document.
func (d *Document) HTML() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(d.Text))
	if err != nil {
		return nil, fmt.Errorf("parse html %s: %w", d.URL, err)
	}
	return doc, nil
}

// CheckStatus returns a *StatusError when resp is not 2xx.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Status: resp.Status, URL: resp.Request.URL.String()}
}

var phpNoise = []string{"Warning", "Notice", "Deprecated", "Strict Standards"}

// TrimPHPWarnings drops PHP diagnostics printed ahead of the document.
func TrimPHPWarnings(text string) string {
	lower := strings.ToLower(text)
	idx := -1
	for _, marker := range []string{"<!doctype", "<html"} {
		if i := strings.Index(lower, marker); i >= 0 && (idx < 0 || i < idx) {
			idx = i
		}
	}
	if idx <= 0 {
		return text
	}
	prefix := text[:idx]
	for _, n := range phpNoise {
		if strings.Contains(prefix, n) {
			return text[idx:]
		}
	}
	return text
}

func newHTTPTransport(cfg Config) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
	if cfg.Insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- opt-in for broken archival targets.
	}
	return t
}
