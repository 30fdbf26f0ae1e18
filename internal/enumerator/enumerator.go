// Package enumerator discovers the pages of a wiki from its human-browsable
// index (?cmd=list).
package enumerator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// containerSelectors are tried in order to tolerate differing skins. The HTML
// parser always synthesizes <body>, so div#content is never reached; it stays
// last to keep the documented fallback order.
var containerSelectors = []string{"div#body", "div.body", "body", "div#content"}

// DocumentGetter fetches and decodes one HTML document.
type DocumentGetter interface {
	GetDocument(ctx context.Context, rawURL string) (*transport.Document, error)
}

// Enumerator produces the page list, checkpointed to dumpMeta/pages.jsonl.
type Enumerator struct {
	session DocumentGetter
	store   *checkpoint.Store
	logger  *zap.Logger
}

// New builds an Enumerator.
func New(session DocumentGetter, store *checkpoint.Store, logger *zap.Logger) *Enumerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enumerator{session: session, store: store, logger: logger}
}

// Pages returns the saved enumeration when one exists, otherwise fetches the
// listing from baseURL and saves it.
func (e *Enumerator) Pages(ctx context.Context, baseURL string) ([]wiki.Page, error) {
	pages, ok, err := e.store.LoadPages()
	if err != nil {
		return nil, fmt.Errorf("load page list: %w", err)
	}
	if ok {
		e.logger.Info("page list loaded from checkpoint", zap.Int("pages", len(pages)))
		return pages, nil
	}

	pages, err = e.Fetch(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		// An empty listing is not saved so the next run asks again.
		e.logger.Warn("page list is empty")
		return nil, nil
	}
	if err := e.store.SavePages(pages); err != nil {
		return nil, fmt.Errorf("save page list: %w", err)
	}
	e.logger.Info("page list saved", zap.Int("pages", len(pages)))
	return pages, nil
}

// Fetch requests ?cmd=list and parses it without touching the checkpoint.
func (e *Enumerator) Fetch(ctx context.Context, baseURL string) ([]wiki.Page, error) {
	listURL, err := wiki.ActionURL(baseURL, transport.UTF8, wiki.Param{Key: "cmd", Value: "list"})
	if err != nil {
		return nil, err
	}
	doc, err := e.session.GetDocument(ctx, listURL)
	if err != nil {
		return nil, fmt.Errorf("fetch page list: %w", err)
	}
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("fetch page list: %w", err)
	}
	html, err := doc.HTML()
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	pages, err := Parse(html, base, doc.Encoding)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("page list parsed",
		zap.String("url", listURL),
		zap.String("encoding", doc.Encoding),
		zap.Int("pages", len(pages)),
	)
	return pages, nil
}

// Parse extracts pages from a listing document. siteEncoding is tried first
// when decoding identifiers, followed by transport.IdentifierCandidates.
func Parse(doc *goquery.Document, base *url.URL, siteEncoding string) ([]wiki.Page, error) {
	list := findList(doc)
	if list == nil {
		return nil, wiki.ErrListingDisabled
	}

	candidates := append([]string{siteEncoding}, transport.IdentifierCandidates...)
	seen := make(map[string]struct{})
	var (
		pages    []wiki.Page
		parseErr error
	)
	list.Find("li").EachWithBreak(func(_ int, li *goquery.Selection) bool {
		a := li.Find("a").First()
		href, ok := a.Attr("href")
		if !ok || href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		raw, ok := rawIdentifier(base, href)
		if !ok {
			return true
		}
		title, enc, err := transport.DecodeFirst(raw, candidates)
		if err != nil {
			parseErr = fmt.Errorf("decode identifier of %q: %w", href, err)
			return false
		}
		if _, dup := seen[title]; dup {
			return true
		}
		seen[title] = struct{}{}
		pages = append(pages, wiki.Page{
			Title:        title,
			DisplayTitle: strings.TrimSpace(a.Text()),
			URLEncoding:  enc,
		})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return pages, nil
}

func findList(doc *goquery.Document) *goquery.Selection {
	for _, sel := range containerSelectors {
		container := doc.Find(sel).First()
		if container.Length() == 0 {
			continue
		}
		if ul := container.Find("ul").First(); ul.Length() > 0 {
			return ul
		}
	}
	return nil
}

// rawIdentifier returns the still-encoded bytes naming a page in href. PukiWiki
// links either as ?<title>, ?cmd=read&page=<title>, or via a rewritten path
// below the base URL.
func rawIdentifier(base *url.URL, href string) ([]byte, bool) {
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	u := base.ResolveReference(ref)
	if u.Host != base.Host {
		return nil, false
	}

	if q := u.RawQuery; q != "" {
		if !strings.Contains(q, "=") {
			s, err := url.QueryUnescape(q)
			if err != nil {
				return nil, false
			}
			return []byte(s), true
		}
		v, ok := rawParam(q, "page")
		if !ok || v == "" {
			return nil, false
		}
		return []byte(v), true
	}

	dir := base.EscapedPath()
	if !strings.HasSuffix(dir, "/") {
		dir = path.Dir(dir) + "/"
	}
	rel, ok := strings.CutPrefix(u.EscapedPath(), dir)
	if !ok || rel == "" || rel == path.Base(base.EscapedPath()) {
		return nil, false
	}
	s, err := url.PathUnescape(rel)
	if err != nil {
		return nil, false
	}
	return []byte(s), true
}

// rawParam unescapes one query value without assuming UTF-8.
func rawParam(rawQuery, key string) (string, bool) {
	for _, pair := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(pair, "=")
		if k != key {
			continue
		}
		s, err := url.QueryUnescape(v)
		if err != nil {
			return "", false
		}
		return s, true
	}
	return "", false
}

// IsDisabled reports whether err means the site hides its page index.
func IsDisabled(err error) bool {
	return errors.Is(err, wiki.ErrListingDisabled)
}
