// Package config loads and validates dumper configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/pukiwiki-dumper/internal/resolver"
)

// EnvPrefix namespaces environment overrides, e.g. PUKIDUMP_DUMP_THREADS=4.
const EnvPrefix = "PUKIDUMP"

// Config captures every knob of a dump run.
type Config struct {
	Wiki    WikiConfig    `mapstructure:"wiki"`
	Dump    DumpConfig    `mapstructure:"dump"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// WikiConfig names the target and where it is written.
type WikiConfig struct {
	URL     string `mapstructure:"url"`
	DumpDir string `mapstructure:"dump_dir"`
}

// DumpConfig selects phases and failure handling.
type DumpConfig struct {
	Content                  bool     `mapstructure:"content"`
	HTML                     bool     `mapstructure:"html"`
	Attachments              bool     `mapstructure:"attachments"`
	CurrentOnly              bool     `mapstructure:"current_only"`
	Threads                  int      `mapstructure:"threads"`
	IgnoreErrors             bool     `mapstructure:"ignore_errors"`
	IgnoreActionDisabledEdit bool     `mapstructure:"ignore_action_disabled_edit"`
	Strategies               []string `mapstructure:"strategies"`
	NameLimit                int      `mapstructure:"name_limit"`
	Auto                     bool     `mapstructure:"auto"`
	NoResume                 bool     `mapstructure:"no_resume"`
}

// HTTPConfig configures the shared session.
type HTTPConfig struct {
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	MaxRetries        int     `mapstructure:"max_retries"`
	HardRetries       int     `mapstructure:"hard_retries"`
	BackoffFactor     float64 `mapstructure:"backoff_factor"`
	BackoffMaxSeconds int     `mapstructure:"backoff_max_seconds"`
	DelaySeconds      float64 `mapstructure:"delay_seconds"`
	UserAgent         string  `mapstructure:"user_agent"`
	Insecure          bool    `mapstructure:"insecure"`
	TrimPHPWarnings   bool    `mapstructure:"trim_php_warnings"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// MetricsConfig enables the health and metrics listener. Empty disables it.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load builds a Config from an optional file, the environment, and flags.
// flags maps viper keys to command line flags. A flag overrides its key only
// when set on the command line.
func Load(path string, flags map[string]*pflag.Flag) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return Config{}, fmt.Errorf("bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyAuto()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key, which also lets AutomaticEnv reach it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("wiki.url", "")
	v.SetDefault("wiki.dump_dir", "")
	v.SetDefault("dump.content", false)
	v.SetDefault("dump.html", false)
	v.SetDefault("dump.attachments", false)
	v.SetDefault("dump.current_only", false)
	v.SetDefault("dump.threads", 0)
	v.SetDefault("dump.ignore_errors", false)
	v.SetDefault("dump.ignore_action_disabled_edit", false)
	v.SetDefault("dump.strategies", []string{"source", "diff", "edit"})
	v.SetDefault("dump.name_limit", 255)
	v.SetDefault("dump.auto", false)
	v.SetDefault("dump.no_resume", false)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 5)
	v.SetDefault("http.hard_retries", 3)
	v.SetDefault("http.backoff_factor", 1.5)
	v.SetDefault("http.backoff_max_seconds", 120)
	v.SetDefault("http.delay_seconds", 0)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("http.insecure", false)
	v.SetDefault("http.trim_php_warnings", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("metrics.listen_addr", "")
}

// applyAuto resolves an unset thread count (zero) and expands dump.auto into
// every phase plus tolerance for disabled edit actions.
func (c *Config) applyAuto() {
	if !c.Dump.Auto {
		if c.Dump.Threads == 0 {
			c.Dump.Threads = 1
		}
		return
	}
	c.Dump.Content = true
	c.Dump.HTML = true
	c.Dump.Attachments = true
	c.Dump.IgnoreActionDisabledEdit = true
	if c.Dump.Threads == 0 {
		c.Dump.Threads = 2
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Wiki.URL == "" {
		return errors.New("wiki.url must be set")
	}
	if !c.Dump.Content && !c.Dump.HTML && !c.Dump.Attachments {
		return errors.New("at least one of dump.content, dump.html, dump.attachments must be enabled")
	}
	if c.Dump.Threads < 1 {
		return errors.New("dump.threads must be >= 1")
	}
	if c.Dump.IgnoreActionDisabledEdit && !c.Dump.Content {
		return errors.New("dump.ignore_action_disabled_edit requires dump.content")
	}
	if _, err := resolver.ParseStrategies(c.Dump.Strategies); err != nil {
		return fmt.Errorf("dump.strategies: %w", err)
	}
	if c.Dump.NameLimit < 16 {
		return errors.New("dump.name_limit must be >= 16")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return errors.New("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return errors.New("http.max_retries must be >= 0")
	}
	if c.HTTP.HardRetries < 0 {
		return errors.New("http.hard_retries must be >= 0")
	}
	if c.HTTP.BackoffFactor < 0 {
		return errors.New("http.backoff_factor must be >= 0")
	}
	if c.HTTP.DelaySeconds < 0 {
		return errors.New("http.delay_seconds must be >= 0")
	}
	return nil
}

// Timeout is the per-request header timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffFactor is the first retry delay.
func (c Config) BackoffFactor() time.Duration {
	return time.Duration(c.HTTP.BackoffFactor * float64(time.Second))
}

// BackoffMax caps a single retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxSeconds) * time.Second
}

// Delay is the minimum spacing between requests.
func (c Config) Delay() time.Duration {
	return time.Duration(c.HTTP.DelaySeconds * float64(time.Second))
}

// RequestBudget bounds one request including every retry and its backoff.
func (c Config) RequestBudget() time.Duration {
	n := time.Duration(c.HTTP.MaxRetries)
	return c.Timeout()*(n+1) + c.BackoffMax()*n
}

// Strategies returns the parsed resolver order. Validate has already checked it.
func (c Config) Strategies() []resolver.StrategyKind {
	kinds, err := resolver.ParseStrategies(c.Dump.Strategies)
	if err != nil {
		return resolver.DefaultStrategies
	}
	return kinds
}
