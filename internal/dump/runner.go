// Package dump orchestrates the content, HTML, and attachment phases against
// one dump directory.
package dump

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/attachment"
	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/dispatcher"
	"github.com/JakeFAU/pukiwiki-dumper/internal/enumerator"
	"github.com/JakeFAU/pukiwiki-dumper/internal/htmldump"
	"github.com/JakeFAU/pukiwiki-dumper/internal/logging"
	"github.com/JakeFAU/pukiwiki-dumper/internal/metrics"
	"github.com/JakeFAU/pukiwiki-dumper/internal/resolver"
	"github.com/JakeFAU/pukiwiki-dumper/internal/revision"
	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// Options selects phases and failure handling for a run.
type Options struct {
	Content     bool
	HTML        bool
	Attachments bool
	// CurrentOnly skips revision history.
	CurrentOnly bool
	Strategies  []resolver.StrategyKind
	Policy      dispatcher.Policy
	Version     string
	HTMLTimeout time.Duration
}

// Runner wires the pipeline stages to a shared session and store.
type Runner struct {
	target Target
	opts   Options
	store  *checkpoint.Store
	logger *zap.Logger

	enumerator *enumerator.Enumerator
	resolver   *resolver.Resolver
	walker     *revision.Walker
	html       *htmldump.Dumper
	lister     *attachment.Lister
	fetcher    *attachment.Fetcher
	dispatcher *dispatcher.Dispatcher
}

// NewRunner builds every stage on top of session and store.
func NewRunner(session *transport.Session, store *checkpoint.Store, target Target, opts Options, logger *zap.Logger) *Runner {
	logger = logging.OrNop(logger)
	if len(opts.Strategies) == 0 {
		opts.Strategies = resolver.DefaultStrategies
	}
	puki := target.PukiURL
	return &Runner{
		target:     target,
		opts:       opts,
		store:      store,
		logger:     logger,
		enumerator: enumerator.New(session, store, logger.Named("enumerator")),
		resolver:   resolver.New(session, puki, opts.Strategies, logger.Named("resolver")),
		walker:     revision.New(session, store, puki, logger.Named("revision")),
		html: htmldump.New(session.Transport(), store, puki, htmldump.Config{
			UserAgent: session.UserAgent(),
			Timeout:   opts.HTMLTimeout,
		}, logger.Named("html")),
		lister:     attachment.NewLister(session, store, puki, logger.Named("attach")),
		fetcher:    attachment.NewFetcher(session, store, puki, logger.Named("attach")),
		dispatcher: dispatcher.New(opts.Policy, logger.Named("dispatcher")),
	}
}

// Run holds the dump lock for the whole run and executes the enabled phases
// in order: content, HTML, attachments. A phase already marked done is
// skipped. The first phase error ends the run and leaves that phase unmarked.
func (r *Runner) Run(ctx context.Context) (err error) {
	lock, err := r.store.Lock()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			r.logger.Error("release dump lock", zap.Error(rerr))
			if err == nil {
				err = rerr
			}
		}
	}()

	if err := r.store.UpdateRunConfig(checkpoint.RunConfig{
		URLInput:      r.target.Input,
		PukiURL:       r.target.PukiURL,
		BaseURL:       r.target.BaseURL,
		DumperVersion: r.opts.Version,
		RunID:         lock.Owner(),
	}); err != nil {
		return fmt.Errorf("write run config: %w", err)
	}
	r.logger.Info("dump started",
		zap.String("dir", r.store.Root()),
		zap.String("url", r.target.PukiURL),
		zap.String("run_id", lock.Owner()),
	)

	phases := []struct {
		enabled bool
		phase   checkpoint.Phase
		run     func(context.Context) (bool, error)
	}{
		{r.opts.Content, checkpoint.PhaseContent, r.dumpContent},
		{r.opts.HTML, checkpoint.PhaseHTML, r.dumpHTML},
		{r.opts.Attachments, checkpoint.PhaseAttach, r.dumpAttachments},
	}
	for _, p := range phases {
		if !p.enabled {
			continue
		}
		if err := r.runPhase(ctx, p.phase, p.run); err != nil {
			return err
		}
	}
	r.logger.Info("dump finished", zap.String("dir", r.store.Root()))
	return nil
}

// runPhase runs fn unless phase is marked. fn reports whether the phase may be
// marked complete.
func (r *Runner) runPhase(ctx context.Context, phase checkpoint.Phase, fn func(context.Context) (bool, error)) error {
	if r.store.Done(phase) {
		r.logger.Info("phase already dumped", zap.String("phase", string(phase)))
		return nil
	}
	r.logger.Info("phase started", zap.String("phase", string(phase)))
	complete, err := fn(ctx)
	if err != nil {
		return fmt.Errorf("%s phase: %w", phase, err)
	}
	if !complete {
		r.logger.Warn("phase left unmarked", zap.String("phase", string(phase)))
		return nil
	}
	if err := r.store.MarkDone(phase); err != nil {
		return fmt.Errorf("mark %s phase: %w", phase, err)
	}
	metrics.ObservePhase(string(phase))
	r.logger.Info("phase done", zap.String("phase", string(phase)))
	return nil
}

func (r *Runner) dumpContent(ctx context.Context) (bool, error) {
	pages, err := r.enumerator.Pages(ctx, r.target.PukiURL)
	if err != nil {
		return false, err
	}
	if len(pages) == 0 {
		r.logger.Warn("no pages found")
		return false, nil
	}
	units := make([]dispatcher.Unit, 0, len(pages))
	for _, p := range pages {
		units = append(units, dispatcher.Unit{
			Kind: metrics.KindPage,
			Name: p.Title,
			Run:  func(ctx context.Context) error { return r.dumpPage(ctx, p) },
		})
	}
	return true, r.dispatcher.Dispatch(ctx, units)
}

// dumpPage saves the current text unless present, then the history unless
// its listing was already recorded.
func (r *Runner) dumpPage(ctx context.Context, page wiki.Page) error {
	path := r.store.PagePath(page.Title)
	if r.store.Exists(path) {
		metrics.ObserveItem(metrics.KindPage, metrics.StatusSkipped)
	} else {
		text, err := r.resolver.Resolve(ctx, page)
		if err != nil {
			return err
		}
		if err := r.store.WriteFile(path, []byte(text)); err != nil {
			return fmt.Errorf("save %q: %w", page.Title, err)
		}
		metrics.ObserveItem(metrics.KindPage, metrics.StatusSaved)
		metrics.AddBytes(metrics.KindPage, int64(len(text)))
		r.logger.Info("page saved", zap.String("title", page.Title))
	}

	if r.opts.CurrentOnly || r.store.Exists(r.store.ChangesPath(page.Title)) {
		return nil
	}
	return r.walker.Run(ctx, page)
}

func (r *Runner) dumpHTML(ctx context.Context) (bool, error) {
	pages, err := r.enumerator.Pages(ctx, r.target.PukiURL)
	if err != nil {
		return false, err
	}
	if len(pages) == 0 {
		r.logger.Warn("no pages found")
		return false, nil
	}
	units := make([]dispatcher.Unit, 0, len(pages))
	for _, p := range pages {
		units = append(units, dispatcher.Unit{
			Kind: metrics.KindHTML,
			Name: p.Title,
			Run: func(ctx context.Context) error {
				_, err := r.html.Dump(ctx, p)
				return err
			},
		})
	}
	return true, r.dispatcher.Dispatch(ctx, units)
}

func (r *Runner) dumpAttachments(ctx context.Context) (bool, error) {
	// Pages only feed the per-page fallback, so a site without a page index
	// can still be listed globally.
	pages, err := r.enumerator.Pages(ctx, r.target.PukiURL)
	if err != nil {
		if !errors.Is(err, wiki.ErrListingDisabled) {
			return false, err
		}
		r.logger.Warn("page index unavailable, per-page attachment fallback disabled", zap.Error(err))
		pages = nil
	}

	attachs, err := r.lister.Attachments(ctx, pages)
	if err != nil {
		return false, err
	}
	r.logger.Info("attachments listed", zap.Int("files", len(attachs)))

	units := make([]dispatcher.Unit, 0, len(attachs))
	for _, a := range attachs {
		units = append(units, dispatcher.Unit{
			Kind: metrics.KindAttachment,
			Name: a.String(),
			Run: func(ctx context.Context) error {
				res, err := r.fetcher.Fetch(ctx, a)
				if err != nil {
					return err
				}
				status := metrics.StatusSaved
				if res == attachment.Complete {
					status = metrics.StatusSkipped
				}
				metrics.ObserveItem(metrics.KindAttachment, status)
				return nil
			},
		})
	}
	return true, r.dispatcher.Dispatch(ctx, units)
}
