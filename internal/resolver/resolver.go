package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// DocumentGetter fetches and decodes one HTML document.
type DocumentGetter interface {
	GetDocument(ctx context.Context, rawURL string) (*transport.Document, error)
}

// Resolver tries strategies in priority order until one yields text.
type Resolver struct {
	session    DocumentGetter
	baseURL    string
	strategies []StrategyKind
	logger     *zap.Logger
}

// New builds a Resolver. An empty strategy list means DefaultStrategies.
func New(session DocumentGetter, baseURL string, strategies []StrategyKind, logger *zap.Logger) *Resolver {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		session:    session,
		baseURL:    baseURL,
		strategies: strategies,
		logger:     logger,
	}
}

// Resolve returns the current source of page from the first strategy that
// succeeds. When all fail, the error of the last attempt is returned.
func (r *Resolver) Resolve(ctx context.Context, page wiki.Page) (string, error) {
	var lastErr error
	for _, kind := range r.strategies {
		out := r.Attempt(ctx, kind, page)
		switch out.Kind {
		case OutcomeSuccess:
			r.logger.Debug("source resolved", zap.String("title", page.Title), zap.Stringer("strategy", kind))
			return out.Text, nil
		case OutcomeFatal:
			return "", fmt.Errorf("resolve %q via %s: %w", page.Title, kind, out.Err)
		default:
			r.logger.Info("strategy failed, trying next",
				zap.String("title", page.Title),
				zap.Stringer("strategy", kind),
				zap.Error(out.Err),
			)
			lastErr = out.Err
		}
	}
	if lastErr == nil {
		lastErr = wiki.ErrTextareaNotFound
	}
	return "", fmt.Errorf("resolve %q: %w", page.Title, lastErr)
}

// Attempt runs a single strategy.
func (r *Resolver) Attempt(ctx context.Context, kind StrategyKind, page wiki.Page) Outcome {
	target, err := wiki.ActionURL(r.baseURL, page.URLEncoding,
		wiki.Param{Key: "cmd", Value: kind.String()},
		wiki.Param{Key: "page", Value: page.Title},
	)
	if err != nil {
		return fatal(err)
	}
	doc, err := r.session.GetDocument(ctx, target)
	if err != nil {
		return classify(err)
	}
	if err := doc.Err(); err != nil {
		return retryable(err)
	}
	root, err := doc.HTML()
	if err != nil {
		return retryable(err)
	}

	var text string
	switch kind {
	case StrategySource:
		text, err = extractSource(root)
	case StrategyDiff:
		text, err = extractDiff(root)
	case StrategyEdit:
		text, err = extractEdit(root)
	default:
		return fatal(fmt.Errorf("unsupported strategy %s", kind))
	}
	if err != nil {
		if strings.Contains(doc.Text, wiki.DisabledMarker) {
			err = fmt.Errorf("%w: %s", wiki.ErrActionDisabled, kind)
		}
		return retryable(err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return retryable(fmt.Errorf("%w: empty %s", wiki.ErrTextareaNotFound, kind))
	}
	return success(text)
}

// classify maps transport failures onto outcomes. Encoding exhaustion and a
// cancelled run cannot be helped by another strategy.
func classify(err error) Outcome {
	switch {
	case errors.Is(err, transport.ErrEncodingExhausted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fatal(err)
	default:
		return retryable(err)
	}
}

func extractSource(doc *goquery.Document) (string, error) {
	pre := doc.Find("pre#source").First()
	if pre.Length() == 0 {
		return "", fmt.Errorf("%w: pre#source", wiki.ErrTextareaNotFound)
	}
	return wiki.NodeText(pre.Nodes[0], nil), nil
}

func extractDiff(doc *goquery.Document) (string, error) {
	pre := doc.Find("pre").First()
	if pre.Length() == 0 {
		return "", fmt.Errorf("%w: diff pre", wiki.ErrTextareaNotFound)
	}
	removed := func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "span" && wiki.HasClass(n, "diff_removed")
	}
	return wiki.NodeText(pre.Nodes[0], removed), nil
}

func extractEdit(doc *goquery.Document) (string, error) {
	area := doc.Find(`textarea[name="msg"]`).First()
	if area.Length() == 0 {
		return "", fmt.Errorf("%w: textarea[name=msg]", wiki.ErrTextareaNotFound)
	}
	return area.Text(), nil
}
