package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pukiwiki-dumper/internal/resolver"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
wiki:
  url: https://wiki.example/index.php
  dump_dir: /tmp/dump
dump:
  content: true
  attachments: true
  current_only: true
  threads: 4
  ignore_errors: true
  strategies: [edit, source]
  name_limit: 143
http:
  timeout_seconds: 45
  max_retries: 2
  backoff_factor: 0.5
  backoff_max_seconds: 10
  delay_seconds: 1.5
  user_agent: custom-agent
  insecure: true
  trim_php_warnings: true
logging:
  development: true
metrics:
  listen_addr: 127.0.0.1:9100
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "https://wiki.example/index.php", cfg.Wiki.URL)
	assert.Equal(t, "/tmp/dump", cfg.Wiki.DumpDir)
	assert.True(t, cfg.Dump.Content)
	assert.False(t, cfg.Dump.HTML)
	assert.True(t, cfg.Dump.Attachments)
	assert.True(t, cfg.Dump.CurrentOnly)
	assert.Equal(t, 4, cfg.Dump.Threads)
	assert.True(t, cfg.Dump.IgnoreErrors)
	assert.Equal(t, 143, cfg.Dump.NameLimit)
	assert.Equal(t, []resolver.StrategyKind{resolver.StrategyEdit, resolver.StrategySource}, cfg.Strategies())
	assert.Equal(t, 45*time.Second, cfg.Timeout())
	assert.Equal(t, 2, cfg.HTTP.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffFactor())
	assert.Equal(t, 10*time.Second, cfg.BackoffMax())
	assert.Equal(t, 1500*time.Millisecond, cfg.Delay())
	assert.Equal(t, 3*45*time.Second+2*10*time.Second, cfg.RequestBudget())
	assert.Equal(t, "custom-agent", cfg.HTTP.UserAgent)
	assert.True(t, cfg.HTTP.Insecure)
	assert.True(t, cfg.HTTP.TrimPHPWarnings)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.ListenAddr)
}

func dumpFlags(t *testing.T, args ...string) map[string]*pflag.Flag {
	t.Helper()
	fs := pflag.NewFlagSet("dump", pflag.ContinueOnError)
	fs.String("url", "", "")
	fs.Bool("content", false, "")
	fs.Bool("auto", false, "")
	fs.Int("threads", 0, "")
	fs.Float64("delay", 0, "")
	require.NoError(t, fs.Parse(args))
	return map[string]*pflag.Flag{
		"wiki.url":           fs.Lookup("url"),
		"dump.content":       fs.Lookup("content"),
		"dump.auto":          fs.Lookup("auto"),
		"dump.threads":       fs.Lookup("threads"),
		"http.delay_seconds": fs.Lookup("delay"),
	}
}

func TestLoadDefaultsWithFlags(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", dumpFlags(t, "--url", "https://wiki.example/", "--content"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Dump.Threads, "unset threads means one worker")
	assert.Equal(t, resolver.DefaultStrategies, cfg.Strategies())
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, 5, cfg.HTTP.MaxRetries)
	assert.Equal(t, 3, cfg.HTTP.HardRetries)
	assert.False(t, cfg.Dump.NoResume)
	assert.Equal(t, 1500*time.Millisecond, cfg.BackoffFactor())
	assert.Equal(t, 120*time.Second, cfg.BackoffMax())
	assert.Zero(t, cfg.Delay())
	assert.Equal(t, 255, cfg.Dump.NameLimit)
	assert.False(t, cfg.Dump.IgnoreActionDisabledEdit)
}

func TestLoadAuto(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", dumpFlags(t, "--url", "https://wiki.example/", "--auto"))
	require.NoError(t, err)
	assert.True(t, cfg.Dump.Content)
	assert.True(t, cfg.Dump.HTML)
	assert.True(t, cfg.Dump.Attachments)
	assert.True(t, cfg.Dump.IgnoreActionDisabledEdit)
	assert.Equal(t, 2, cfg.Dump.Threads)

	cfg, err = Load("", dumpFlags(t, "--url", "https://wiki.example/", "--auto", "--threads", "6"))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Dump.Threads, "explicit threads survive --auto")
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PUKIDUMP_WIKI_URL", "https://env.example/wiki/")
	t.Setenv("PUKIDUMP_DUMP_HTML", "true")
	t.Setenv("PUKIDUMP_DUMP_THREADS", "3")
	t.Setenv("PUKIDUMP_HTTP_USER_AGENT", "archiver/1")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example/wiki/", cfg.Wiki.URL)
	assert.True(t, cfg.Dump.HTML)
	assert.Equal(t, 3, cfg.Dump.Threads)
	assert.Equal(t, "archiver/1", cfg.HTTP.UserAgent)
}

func TestLoadRejectsNegativeDelayFlag(t *testing.T) {
	t.Parallel()

	_, err := Load("", dumpFlags(t, "--url", "https://wiki.example/", "--content", "--delay=-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http.delay_seconds")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Wiki: WikiConfig{URL: "https://wiki.example/"},
		Dump: DumpConfig{Content: true, Threads: 1, NameLimit: 255},
		HTTP: HTTPConfig{TimeoutSeconds: 10},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.Wiki.URL = "" }, "wiki.url"},
		{"no phase", func(c *Config) { c.Dump.Content = false }, "at least one"},
		{"zero threads", func(c *Config) { c.Dump.Threads = 0 }, "dump.threads"},
		{"ignore disabled without content", func(c *Config) {
			c.Dump.Content = false
			c.Dump.HTML = true
			c.Dump.IgnoreActionDisabledEdit = true
		}, "ignore_action_disabled_edit"},
		{"unknown strategy", func(c *Config) { c.Dump.Strategies = []string{"source", "raw"} }, "dump.strategies"},
		{"tiny name limit", func(c *Config) { c.Dump.NameLimit = 4 }, "dump.name_limit"},
		{"zero timeout", func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, "http.timeout_seconds"},
		{"negative retries", func(c *Config) { c.HTTP.MaxRetries = -1 }, "http.max_retries"},
		{"negative hard retries", func(c *Config) { c.HTTP.HardRetries = -1 }, "http.hard_retries"},
		{"negative backoff", func(c *Config) { c.HTTP.BackoffFactor = -1 }, "http.backoff_factor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
