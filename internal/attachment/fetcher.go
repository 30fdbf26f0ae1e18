package attachment

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/logging"
	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// Getter issues a streaming GET.
type Getter interface {
	Get(ctx context.Context, rawURL string, header http.Header) (*http.Response, error)
}

// Result reports what Fetch did with one attachment.
type Result int

const (
	// Downloaded means the body was transferred and saved.
	Downloaded Result = iota
	// Complete means the local copy already matched the remote size.
	Complete
)

func (r Result) String() string {
	if r == Complete {
		return "complete"
	}
	return "downloaded"
}

// Fetcher downloads attachments into the checkpoint store.
type Fetcher struct {
	session Getter
	store   *checkpoint.Store
	baseURL string
	logger  *zap.Logger
}

// NewFetcher builds a Fetcher.
func NewFetcher(session Getter, store *checkpoint.Store, baseURL string, logger *zap.Logger) *Fetcher {
	logger = logging.OrNop(logger)
	return &Fetcher{session: session, store: store, baseURL: baseURL, logger: logger}
}

// URL returns the pcmd=open address of a.
func (f *Fetcher) URL(a wiki.Attachment) (string, error) {
	params := []wiki.Param{
		{Key: "plugin", Value: "attach"},
		{Key: "pcmd", Value: "open"},
		{Key: "file", Value: a.File},
		{Key: "refer", Value: a.Refer},
	}
	if a.Age > 0 {
		params = append(params, wiki.Param{Key: "age", Value: strconv.Itoa(a.Age)})
	}
	return wiki.ActionURL(f.baseURL, a.URLEncoding, params...)
}

// Fetch downloads a unless a local copy of the declared remote size already
// exists. A missing Content-Length always re-downloads because completeness
// cannot be verified. The file mtime follows Last-Modified.
func (f *Fetcher) Fetch(ctx context.Context, a wiki.Attachment) (Result, error) {
	target, err := f.URL(a)
	if err != nil {
		return Downloaded, err
	}
	header := http.Header{}
	header.Set("Referer", f.baseURL)
	header.Set("Accept-Encoding", "identity")

	resp, err := f.session.Get(ctx, target, header)
	if err != nil {
		return Downloaded, fmt.Errorf("fetch %s: %w", a, err)
	}
	defer resp.Body.Close()
	if err := transport.CheckStatus(resp); err != nil {
		return Downloaded, fmt.Errorf("fetch %s: %w", a, err)
	}

	path := f.store.AttachmentPath(a)
	local := f.store.Size(path)
	remote := resp.ContentLength
	switch {
	case local >= 0 && remote >= 0 && local == remote:
		f.logger.Debug("attachment complete", zap.String("file", a.File), zap.String("refer", a.Refer), zap.Int64("size", local))
		if err := f.touch(path, resp.Header); err != nil {
			return Complete, err
		}
		return Complete, nil
	case local >= 0 && remote < 0:
		f.logger.Info("remote size unknown, downloading again", zap.String("file", a.File), zap.String("refer", a.Refer))
	case local >= 0:
		f.logger.Info("size mismatch, downloading again",
			zap.String("file", a.File),
			zap.String("refer", a.Refer),
			zap.Int64("local", local),
			zap.Int64("remote", remote),
		)
	}

	if resp.Header.Get("Content-Disposition") == "" {
		return Downloaded, fmt.Errorf("%w: %s", wiki.ErrNotAttachment, a)
	}
	n, err := f.store.WriteStream(path, resp.Body)
	if err != nil {
		return Downloaded, fmt.Errorf("save %s: %w", a, err)
	}
	if remote >= 0 && n != remote {
		_ = os.Remove(path)
		return Downloaded, fmt.Errorf("save %s: got %d of %d bytes", a, n, remote)
	}
	metrics.AddBytes(metrics.KindAttachment, n)
	if err := f.touch(path, resp.Header); err != nil {
		return Downloaded, err
	}
	f.logger.Info("attachment saved",
		zap.String("file", a.File),
		zap.String("refer", a.Refer),
		zap.String("size", humanize.Bytes(uint64(n))),
	)
	return Downloaded, nil
}

// touch sets the modification time from Last-Modified. The access time is
// left as is.
func (f *Fetcher) touch(path string, h http.Header) error {
	lm := h.Get("Last-Modified")
	if lm == "" {
		return nil
	}
	mtime, err := http.ParseTime(lm)
	if err != nil {
		f.logger.Debug("unparsable Last-Modified", zap.String("value", lm))
		return nil
	}
	if err := os.Chtimes(path, time.Time{}, mtime); err != nil {
		return fmt.Errorf("set mtime of %s: %w", path, err)
	}
	return nil
}
