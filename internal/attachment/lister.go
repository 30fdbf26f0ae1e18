// Package attachment enumerates and downloads files uploaded through the
// attach plugin.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/logging"
	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// phpFatalMarkers identify a listing that died inside PHP. Each is paired with
// "Fatal error" before it counts.
var phpFatalMarkers = []string{"Allowed memory size", "Maximum execution time", "Out of memory"}

// DocumentPoster posts a form and decodes the HTML response.
type DocumentPoster interface {
	PostDocument(ctx context.Context, rawURL, form string) (*transport.Document, error)
}

// Lister builds the attachment list, checkpointed to dumpMeta/attachs.jsonl.
type Lister struct {
	session DocumentPoster
	store   *checkpoint.Store
	baseURL string
	logger  *zap.Logger
}

// NewLister builds a Lister.
func NewLister(session DocumentPoster, store *checkpoint.Store, baseURL string, logger *zap.Logger) *Lister {
	logger = logging.OrNop(logger)
	return &Lister{session: session, store: store, baseURL: baseURL, logger: logger}
}

// Attachments returns the saved listing when present, otherwise lists the site
// and saves the result. pages feed the per-page fallback.
func (l *Lister) Attachments(ctx context.Context, pages []wiki.Page) ([]wiki.Attachment, error) {
	attachs, ok, err := l.store.LoadAttachments()
	if err != nil {
		return nil, fmt.Errorf("load attachment list: %w", err)
	}
	if ok {
		l.logger.Info("attachment list loaded from checkpoint", zap.Int("files", len(attachs)))
		return attachs, nil
	}
	attachs, err = l.List(ctx, pages)
	if err != nil {
		return nil, err
	}
	if err := l.store.SaveAttachments(attachs); err != nil {
		return nil, fmt.Errorf("save attachment list: %w", err)
	}
	l.logger.Info("attachment list saved", zap.Int("files", len(attachs)))
	return attachs, nil
}

// List queries the global listing. If the server runs out of resources
// building it, every page is listed on its own instead. Scoped listings are
// never split further. Without pages the exhaustion error is returned.
func (l *Lister) List(ctx context.Context, pages []wiki.Page) ([]wiki.Attachment, error) {
	acc := newAccumulator()
	err := l.crawl(ctx, acc, scope{})
	if err == nil {
		return acc.items, nil
	}
	if !errors.Is(err, wiki.ErrAttachListExhausted) {
		return nil, err
	}

	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages for per-page fallback: %w", err)
	}
	l.logger.Warn("global attachment listing exhausted server, listing per page", zap.Int("pages", len(pages)))
	acc = newAccumulator()
	for _, p := range pages {
		if err := l.crawl(ctx, acc, scope{refer: p.Title, encoding: p.URLEncoding}); err != nil {
			return nil, fmt.Errorf("list attachments of %q: %w", p.Title, err)
		}
	}
	return acc.items, nil
}

// scope is one listing request. The zero value is the global listing.
type scope struct {
	refer    string
	encoding string
}

type accumulator struct {
	seen    map[wiki.AttachmentKey]struct{}
	visited map[string]struct{}
	items   []wiki.Attachment
}

func newAccumulator() *accumulator {
	return &accumulator{
		seen:    make(map[wiki.AttachmentKey]struct{}),
		visited: make(map[string]struct{}),
	}
}

func (a *accumulator) add(item wiki.Attachment) bool {
	if _, dup := a.seen[item.Key()]; dup {
		return false
	}
	a.seen[item.Key()] = struct{}{}
	a.items = append(a.items, item)
	return true
}

// crawl lists sc and then every sub-listing it links to, breadth first.
func (l *Lister) crawl(ctx context.Context, acc *accumulator, sc scope) error {
	queue := []scope{sc}
	acc.visited[sc.refer] = struct{}{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		found, subs, err := l.listOne(ctx, cur)
		if err != nil {
			return err
		}
		added := 0
		for _, item := range found {
			if acc.add(item) {
				added++
			}
		}
		l.logger.Info("attachment listing parsed",
			zap.String("refer", cur.refer),
			zap.Int("files", len(found)),
			zap.Int("new", added),
		)
		for _, sub := range subs {
			if _, done := acc.visited[sub.refer]; done {
				continue
			}
			acc.visited[sub.refer] = struct{}{}
			queue = append(queue, sub)
		}
	}
	return nil
}

func (l *Lister) listOne(ctx context.Context, sc scope) ([]wiki.Attachment, []scope, error) {
	params := []wiki.Param{{Key: "plugin", Value: "attach"}, {Key: "pcmd", Value: "list"}}
	enc := transport.UTF8
	if sc.refer != "" {
		params = append(params, wiki.Param{Key: "refer", Value: sc.refer})
		enc = sc.encoding
	}
	form, err := wiki.EncodeParams(enc, params...)
	if err != nil {
		return nil, nil, err
	}
	doc, err := l.session.PostDocument(ctx, l.baseURL, form)
	if err != nil {
		return nil, nil, fmt.Errorf("attachment listing: %w", err)
	}
	if isPHPFatal(doc.Text) {
		return nil, nil, fmt.Errorf("%w: refer %q", wiki.ErrAttachListExhausted, sc.refer)
	}
	if err := doc.Err(); err != nil {
		return nil, nil, fmt.Errorf("attachment listing: %w", err)
	}
	if strings.Contains(doc.Text, wiki.DisabledMarker) {
		return nil, nil, fmt.Errorf("%w: attach plugin", wiki.ErrListingDisabled)
	}
	html, err := doc.HTML()
	if err != nil {
		return nil, nil, err
	}
	base, err := url.Parse(doc.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse listing url: %w", err)
	}
	return parseListing(html, base, doc.Encoding)
}

func isPHPFatal(text string) bool {
	if !strings.Contains(text, "Fatal error") {
		return false
	}
	for _, m := range phpFatalMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// parseListing extracts attachments (pcmd=open anchors) and sub-listings
// (pcmd=list anchors with a refer) from a listing document.
func parseListing(doc *goquery.Document, base *url.URL, siteEncoding string) ([]wiki.Attachment, []scope, error) {
	container := doc.Find("div#body").First()
	if container.Length() == 0 {
		container = doc.Find("body").First()
	}
	candidates := append([]string{siteEncoding}, transport.IdentifierCandidates...)

	var (
		items   []wiki.Attachment
		subs    []scope
		lastErr error
	)
	container.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		ref, err := url.Parse(href)
		if err != nil {
			return true
		}
		rawQuery := base.ResolveReference(ref).RawQuery
		if !strings.Contains(rawQuery, "plugin=attach") {
			return true
		}
		q, enc, err := transport.DecodeQuery(rawQuery, candidates)
		if err != nil {
			lastErr = fmt.Errorf("decode %q: %w", href, err)
			return false
		}
		switch q["pcmd"] {
		case "open":
			if q["file"] == "" {
				return true
			}
			item := wiki.Attachment{Refer: q["refer"], File: q["file"], URLEncoding: enc}
			if v, ok := q["age"]; ok && v != "" {
				age, err := strconv.Atoi(v)
				if err != nil {
					return true
				}
				item.Age = age
			}
			items = append(items, item)
		case "list":
			if q["refer"] != "" {
				subs = append(subs, scope{refer: q["refer"], encoding: enc})
			}
		}
		return true
	})
	if lastErr != nil {
		return nil, nil, lastErr
	}
	return items, subs, nil
}
