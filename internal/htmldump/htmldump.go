// Package htmldump saves the rendered view of every page using colly.
package htmldump

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/logging"
	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds one snapshot including transport retries. Zero means no
	// limit beyond the transport's own.
	Timeout time.Duration
}

// Dumper writes html/<key>.html for each page.
type Dumper struct {
	store         *checkpoint.Store
	baseURL       string
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Dumper whose requests go through transport, so snapshots share
// the retry and pacing of every other request.
func New(transport http.RoundTripper, store *checkpoint.Store, baseURL string, cfg Config, logger *zap.Logger) *Dumper {
	logger = logging.OrNop(logger)
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(0),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.DetectCharset = false
	c.WithTransport(rawCharsetTransport{base: transport})
	c.SetRequestTimeout(cfg.Timeout)
	return &Dumper{store: store, baseURL: baseURL, baseCollector: c, logger: logger}
}

// Dump saves the rendered page unless a snapshot already exists. It reports
// whether a request was made.
func (d *Dumper) Dump(ctx context.Context, page wiki.Page) (bool, error) {
	path := d.store.HTMLPath(page.Title)
	if d.store.Exists(path) {
		metrics.ObserveItem(metrics.KindHTML, metrics.StatusSkipped)
		return false, nil
	}
	target, err := wiki.PageURL(d.baseURL, page)
	if err != nil {
		return false, err
	}

	var (
		body     []byte
		fetchErr error
	)
	collector := d.baseCollector.Clone()
	d.configureHooks(collector, &body, &fetchErr)
	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return true, fmt.Errorf("html of %q: %w", page.Title, err)
	}

	if err := d.store.WriteFile(path, body); err != nil {
		return true, fmt.Errorf("save html of %q: %w", page.Title, err)
	}
	metrics.ObserveItem(metrics.KindHTML, metrics.StatusSaved)
	metrics.AddBytes(metrics.KindHTML, int64(len(body)))
	d.logger.Info("html saved", zap.String("title", page.Title), zap.Int("bytes", len(body)))
	return true, nil
}

func (d *Dumper) configureHooks(hooks collectorHooks, body *[]byte, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// rawCharsetTransport drops the charset parameter from HTML responses so that
// colly leaves the body in the encoding the site served.
type rawCharsetTransport struct {
	base http.RoundTripper
}

func (t rawCharsetTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || resp == nil {
		return resp, err
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if media, params, perr := mime.ParseMediaType(ct); perr == nil && params["charset"] != "" {
			resp.Header.Set("X-Original-Content-Type", ct)
			resp.Header.Set("Content-Type", media)
		}
	}
	return resp, nil
}
