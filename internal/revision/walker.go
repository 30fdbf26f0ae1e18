package revision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// DocumentGetter fetches and decodes one HTML document.
type DocumentGetter interface {
	GetDocument(ctx context.Context, rawURL string) (*transport.Document, error)
}

// Walker saves every retained backup of a page to the attic.
type Walker struct {
	session DocumentGetter
	store   *checkpoint.Store
	baseURL string
	logger  *zap.Logger
	now     func() time.Time
}

// New builds a Walker.
func New(session DocumentGetter, store *checkpoint.Store, baseURL string, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{
		session: session,
		store:   store,
		baseURL: baseURL,
		logger:  logger,
		now:     time.Now,
	}
}

// Run lists the history of page, saves each past revision, and finally
// records the listing in attic/<key>.changes.json. The listing file marks the
// history of page as complete.
func (w *Walker) Run(ctx context.Context, page wiki.Page) error {
	revs, err := w.History(ctx, page)
	if err != nil {
		return err
	}
	if err := w.Walk(ctx, page, revs); err != nil {
		return err
	}
	if err := w.store.SaveChanges(page.Title, revs); err != nil {
		return fmt.Errorf("save changes of %q: %w", page.Title, err)
	}
	return nil
}

// History fetches the backup listing. A site with backups disabled yields just
// the current revision.
func (w *Walker) History(ctx context.Context, page wiki.Page) ([]wiki.Revision, error) {
	target, err := wiki.ActionURL(w.baseURL, page.URLEncoding,
		wiki.Param{Key: "cmd", Value: "backup"},
		wiki.Param{Key: "page", Value: page.Title},
	)
	if err != nil {
		return nil, err
	}
	doc, err := w.session.GetDocument(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("history of %q: %w", page.Title, err)
	}
	current := []wiki.Revision{{Label: "current", RetrievedAt: w.now()}}
	switch doc.StatusCode {
	case http.StatusForbidden, http.StatusNotFound:
		w.logger.Info("backup listing unavailable", zap.String("title", page.Title), zap.Int("status", doc.StatusCode))
		return current, nil
	}
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("history of %q: %w", page.Title, err)
	}
	if strings.Contains(doc.Text, wiki.DisabledMarker) {
		w.logger.Info("backup listing disabled", zap.String("title", page.Title))
		return current, nil
	}
	html, err := doc.HTML()
	if err != nil {
		return nil, err
	}
	return ParseHistory(html, w.now()), nil
}

// Walk saves revs[1:]. The head is the current text and is already captured.
// Unavailable revisions and revisions without an ID are logged and skipped.
// Any other failure does not stop the walk; the first one is returned after
// every remaining revision has been tried.
func (w *Walker) Walk(ctx context.Context, page wiki.Page, revs []wiki.Revision) error {
	if len(revs) < 2 {
		return nil
	}
	var firstErr error
	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
		metrics.ObserveItem(metrics.KindRevision, metrics.StatusFailed)
	}
	for _, rev := range revs[1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rev.ID == "" {
			w.logger.Warn("revision failed: id not found",
				zap.String("title", page.Title),
				zap.String("label", rev.Label),
			)
			metrics.ObserveItem(metrics.KindRevision, metrics.StatusFailed)
			continue
		}
		path := w.store.RevisionPath(page.Title, rev.ID)
		if w.store.Exists(path) {
			metrics.ObserveItem(metrics.KindRevision, metrics.StatusSkipped)
			continue
		}
		text, err := w.Fetch(ctx, page, rev.ID)
		if errors.Is(err, wiki.ErrRevisionUnavailable) {
			w.logger.Info("revision unavailable, probably deleted",
				zap.String("title", page.Title),
				zap.String("rev", rev.ID),
			)
			metrics.ObserveItem(metrics.KindRevision, metrics.StatusUnavailable)
			continue
		}
		if err != nil {
			w.logger.Warn("revision failed",
				zap.String("title", page.Title),
				zap.String("rev", rev.ID),
				zap.Error(err),
			)
			fail(err)
			continue
		}
		if err := w.store.WriteFile(path, []byte(text)); err != nil {
			fail(fmt.Errorf("save revision %s of %q: %w", rev.ID, page.Title, err))
			continue
		}
		metrics.ObserveItem(metrics.KindRevision, metrics.StatusSaved)
		metrics.AddBytes(metrics.KindRevision, int64(len(text)))
		w.logger.Info("revision saved", zap.String("title", page.Title), zap.String("rev", rev.ID))
	}
	return firstErr
}

// Fetch returns the source of revision id of page.
func (w *Walker) Fetch(ctx context.Context, page wiki.Page, id string) (string, error) {
	target, err := wiki.ActionURL(w.baseURL, page.URLEncoding,
		wiki.Param{Key: "cmd", Value: "backup"},
		wiki.Param{Key: "action", Value: "source"},
		wiki.Param{Key: "page", Value: page.Title},
		wiki.Param{Key: "age", Value: id},
	)
	if err != nil {
		return "", err
	}
	doc, err := w.session.GetDocument(ctx, target)
	if err != nil {
		return "", fmt.Errorf("revision %s of %q: %w", id, page.Title, err)
	}
	switch doc.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return "", fmt.Errorf("%w: %s of %q", wiki.ErrRevisionUnavailable, id, page.Title)
	}
	if err := doc.Err(); err != nil {
		return "", fmt.Errorf("revision %s of %q: %w", id, page.Title, err)
	}
	html, err := doc.HTML()
	if err != nil {
		return "", err
	}
	pre := html.Find("pre").First()
	if pre.Length() == 0 {
		return "", fmt.Errorf("%w: %s of %q has no source", wiki.ErrRevisionUnavailable, id, page.Title)
	}
	text := strings.TrimSpace(wiki.NodeText(pre.Nodes[0], nil))
	if text == "" {
		return "", fmt.Errorf("%w: %s of %q is empty", wiki.ErrRevisionUnavailable, id, page.Title)
	}
	return text, nil
}
