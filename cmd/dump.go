package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/pukiwiki-dumper/internal/api"
	"github.com/JakeFAU/pukiwiki-dumper/internal/checkpoint"
	"github.com/JakeFAU/pukiwiki-dumper/internal/config"
	"github.com/JakeFAU/pukiwiki-dumper/internal/dispatcher"
	"github.com/JakeFAU/pukiwiki-dumper/internal/dump"
	"github.com/JakeFAU/pukiwiki-dumper/internal/logging"
	"github.com/JakeFAU/pukiwiki-dumper/internal/transport"
)

var errDumpExists = errors.New("dump directory already exists")

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"path":                        "wiki.dump_dir",
	"no-resume":                   "dump.no_resume",
	"content":                     "dump.content",
	"html":                        "dump.html",
	"attachments":                 "dump.attachments",
	"current-only":                "dump.current_only",
	"threads":                     "dump.threads",
	"ignore-errors":               "dump.ignore_errors",
	"ignore-action-disabled-edit": "dump.ignore_action_disabled_edit",
	"strategies":                  "dump.strategies",
	"auto":                        "dump.auto",
	"retry":                       "http.max_retries",
	"hard-retry":                  "http.hard_retries",
	"delay":                       "http.delay_seconds",
	"timeout":                     "http.timeout_seconds",
	"insecure":                    "http.insecure",
	"trim-php-warnings":           "http.trim_php_warnings",
	"user-agent":                  "http.user_agent",
	"verbose":                     "logging.development",
	"metrics-addr":                "metrics.listen_addr",
}

// newDumpCmd creates and configures the 'dump' subcommand.
func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <url>",
		Short: "Dump a PukiWiki site",
		Long: `Enumerates every page through ?cmd=list and saves its source, its backup
history, its rendered HTML, and the site's attachments under the dump
directory. Phases already marked done are skipped on later runs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runDumpCommand,
	}
	f := cmd.Flags()
	f.String("path", "", "dump directory (default: <host_path>-<yyyymmdd>)")
	f.Bool("no-resume", false, "refuse to reuse an existing dump directory")
	f.Bool("content", false, "dump page sources and their backup history")
	f.Bool("html", false, "dump rendered HTML of every page")
	f.Bool("attachments", false, "dump attachments")
	f.Bool("current-only", false, "skip backup history")
	f.Int("threads", 0, "concurrent workers (default 1, or 2 with --auto)")
	f.Bool("ignore-errors", false, "log failed units and keep going")
	f.Bool("ignore-action-disabled-edit", false, "treat pages whose source actions are disabled as warnings")
	f.StringSlice("strategies", nil, "source strategies in order (source,diff,edit)")
	f.Bool("auto", false, "dump content, html and attachments with defaults for unattended runs")
	f.Int("retry", 5, "retries per request")
	f.Int("hard-retry", 3, "restarts of a request that still fails at the network level")
	f.Float64("delay", 0, "seconds between requests")
	f.Int("timeout", 30, "seconds to wait for response headers")
	f.Bool("insecure", false, "skip TLS certificate verification")
	f.Bool("trim-php-warnings", false, "strip PHP warnings printed before the document")
	f.String("user-agent", "", "override the User-Agent header")
	f.Bool("verbose", false, "development logging")
	f.String("metrics-addr", "", "serve /healthz, /metrics and /v1/status on this address")
	return cmd
}

func boundFlags(fs *pflag.FlagSet) map[string]*pflag.Flag {
	out := make(map[string]*pflag.Flag, len(flagKeys))
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			out[key] = f
		}
	}
	return out
}

func runDumpCommand(cmd *cobra.Command, args []string) error {
	flags := boundFlags(cmd.Flags())
	if len(args) == 1 {
		url := pflag.NewFlagSet("args", pflag.ContinueOnError)
		url.String("url", "", "")
		if err := url.Set("url", args[0]); err != nil {
			return err
		}
		flags["wiki.url"] = url.Lookup("url")
	}
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath, flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	if err := dumpWiki(cmd.Context(), cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("dump interrupted; rerun to resume")
		}
		return err
	}
	return nil
}

func dumpWiki(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	target, err := dump.ParseTarget(cfg.Wiki.URL)
	if err != nil {
		return err
	}
	dir := cfg.Wiki.DumpDir
	if dir == "" {
		dir = target.DefaultDir(time.Now())
	}
	if cfg.Dump.NoResume {
		if _, err := os.Stat(dir); err == nil {
			return fmt.Errorf("%w: %s (use --path for a different directory)", errDumpExists, dir)
		}
	}
	store, err := checkpoint.New(checkpoint.Config{Root: dir, NameLimit: cfg.Dump.NameLimit})
	if err != nil {
		return err
	}

	ua := cfg.HTTP.UserAgent
	if ua == "" {
		ua = UserAgent()
	}
	if cfg.HTTP.Insecure {
		logger.Warn("TLS certificate verification disabled")
	}
	if cfg.Delay() > 0 && cfg.Dump.Threads > 1 {
		logger.Info("request delay is shared by all workers",
			zap.Duration("delay", cfg.Delay()),
			zap.Int("threads", cfg.Dump.Threads),
		)
	}
	session := transport.NewSession(transport.Config{
		UserAgent:       ua,
		Timeout:         cfg.Timeout(),
		MaxRetries:      cfg.HTTP.MaxRetries,
		HardRetries:     cfg.HTTP.HardRetries,
		BackoffFactor:   cfg.BackoffFactor(),
		BackoffMax:      cfg.BackoffMax(),
		Delay:           cfg.Delay(),
		Insecure:        cfg.HTTP.Insecure,
		TrimPHPWarnings: cfg.HTTP.TrimPHPWarnings,
	}, logger.Named("http"))
	defer session.CloseIdleConnections()

	if cfg.Metrics.ListenAddr != "" {
		srvCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		server := api.NewServer(store, logger.Named("api"))
		go func() {
			if err := server.Serve(srvCtx, cfg.Metrics.ListenAddr); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("dumping",
		zap.String("url", target.PukiURL),
		zap.String("dir", store.Root()),
		zap.Int("threads", cfg.Dump.Threads),
	)
	runner := dump.NewRunner(session, store, target, dump.Options{
		Content:     cfg.Dump.Content,
		HTML:        cfg.Dump.HTML,
		Attachments: cfg.Dump.Attachments,
		CurrentOnly: cfg.Dump.CurrentOnly,
		Strategies:  cfg.Strategies(),
		Policy: dispatcher.Policy{
			Concurrency:    cfg.Dump.Threads,
			IgnoreErrors:   cfg.Dump.IgnoreErrors,
			IgnoreDisabled: cfg.Dump.IgnoreActionDisabledEdit,
		},
		Version:     Version,
		HTMLTimeout: cfg.RequestBudget(),
	}, logger)
	if err := runner.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "dump complete: %s\n", store.Root())
	return nil
}
