// Package config loads application configuration from an optional
// config.yaml, PAGESTREAM_* environment variables and built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Search providers.
const (
	ProviderBing = "bing"
	ProviderJina = "jina"
)

// Config holds the full application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Browser BrowserConfig `yaml:"browser" mapstructure:"browser"`
	Pool    PoolConfig    `yaml:"pool" mapstructure:"pool"`
	Scrape  ScrapeConfig  `yaml:"scrape" mapstructure:"scrape"`
	Extract ExtractConfig `yaml:"extract" mapstructure:"extract"`
	Search  SearchConfig  `yaml:"search" mapstructure:"search"`
	HTTP    HTTPConfig    `yaml:"http" mapstructure:"http"`
}

// ServerConfig configures the streaming HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// BrowserConfig configures headless Chrome workers.
type BrowserConfig struct {
	ExecPath            string `yaml:"exec_path" mapstructure:"exec_path"`
	Headless            bool   `yaml:"headless" mapstructure:"headless"`
	UserAgent           string `yaml:"user_agent" mapstructure:"user_agent"`
	PageLoadTimeoutSecs int    `yaml:"page_load_timeout_secs" mapstructure:"page_load_timeout_secs"`
	SettleMs            int    `yaml:"settle_ms" mapstructure:"settle_ms"`
	ConsentXPath        string `yaml:"consent_xpath" mapstructure:"consent_xpath"`
	ConsentTimeoutMs    int    `yaml:"consent_timeout_ms" mapstructure:"consent_timeout_ms"`
	ResetTimeoutSecs    int    `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PoolConfig sizes the browser worker pool.
type PoolConfig struct {
	Size               int  `yaml:"size" mapstructure:"size"`
	MaxUses            int  `yaml:"max_uses" mapstructure:"max_uses"`
	AcquireTimeoutSecs int  `yaml:"acquire_timeout_secs" mapstructure:"acquire_timeout_secs"`
	TemporaryFallback  bool `yaml:"temporary_fallback" mapstructure:"temporary_fallback"`
}

// ScrapeConfig tunes streaming jobs.
type ScrapeConfig struct {
	Concurrency         int  `yaml:"concurrency" mapstructure:"concurrency"`
	Candidates          int  `yaml:"candidates" mapstructure:"candidates"`
	FetchTimeoutSecs    int  `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
	Lightweight         bool `yaml:"lightweight" mapstructure:"lightweight"`
	Ordered             bool `yaml:"ordered" mapstructure:"ordered"`
	RedirectTimeoutMs   int  `yaml:"redirect_timeout_ms" mapstructure:"redirect_timeout_ms"`
	RedirectConcurrency int  `yaml:"redirect_concurrency" mapstructure:"redirect_concurrency"`
}

// ExtractConfig tunes text extraction.
type ExtractConfig struct {
	MaxChars           int  `yaml:"max_chars" mapstructure:"max_chars"`
	CheckAfterTruncate bool `yaml:"check_after_truncate" mapstructure:"check_after_truncate"`
}

// SearchConfig selects and guards the search backend.
type SearchConfig struct {
	Provider         string   `yaml:"provider" mapstructure:"provider"`
	BingURL          string   `yaml:"bing_url" mapstructure:"bing_url"`
	JinaKey          string   `yaml:"jina_key" mapstructure:"jina_key"`
	JinaBaseURL      string   `yaml:"jina_base_url" mapstructure:"jina_base_url"`
	ExcludePaths     []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
	Retries          int      `yaml:"retries" mapstructure:"retries"`
	CircuitFailures  int      `yaml:"circuit_failures" mapstructure:"circuit_failures"`
	CircuitResetSecs int      `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// HTTPConfig configures the stateless page fetcher.
type HTTPConfig struct {
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerHost  float64 `yaml:"rate_per_host" mapstructure:"rate_per_host"`
	Burst        int     `yaml:"burst" mapstructure:"burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// Load reads configuration. Environment variables override the file, which
// overrides defaults. PORT is honored as an alias for server.port.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PAGESTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "PAGESTREAM_SERVER_PORT", "PORT"); err != nil {
		return nil, eris.Wrap(err, "config: bind port")
	}

	// Defaults
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.page_load_timeout_secs", 15)
	v.SetDefault("browser.settle_ms", 2000)
	v.SetDefault("browser.consent_xpath", "//button[contains(text(), 'Accept all') or contains(text(), 'Accept') or contains(text(), 'Reject') or contains(text(), 'Decline')]")
	v.SetDefault("browser.consent_timeout_ms", 2000)
	v.SetDefault("browser.reset_timeout_secs", 5)
	v.SetDefault("pool.size", 3)
	v.SetDefault("pool.max_uses", 50)
	v.SetDefault("pool.acquire_timeout_secs", 10)
	v.SetDefault("pool.temporary_fallback", true)
	v.SetDefault("scrape.concurrency", 3)
	v.SetDefault("scrape.candidates", 5)
	v.SetDefault("scrape.fetch_timeout_secs", 10)
	v.SetDefault("scrape.lightweight", true)
	v.SetDefault("scrape.ordered", false)
	v.SetDefault("scrape.redirect_timeout_ms", 3000)
	v.SetDefault("scrape.redirect_concurrency", 5)
	v.SetDefault("extract.max_chars", 4000)
	v.SetDefault("extract.check_after_truncate", false)
	v.SetDefault("search.provider", ProviderBing)
	v.SetDefault("search.bing_url", "https://www.bing.com")
	v.SetDefault("search.jina_base_url", "https://s.jina.ai")
	v.SetDefault("search.exclude_paths", []string{"*.pdf", "*.doc", "*.docx", "*.ppt", "*.pptx", "*.xls", "*.xlsx", "*.zip"})
	v.SetDefault("search.retries", 2)
	v.SetDefault("search.circuit_failures", 5)
	v.SetDefault("search.circuit_reset_secs", 30)
	v.SetDefault("http.rate_per_host", 2.0)
	v.SetDefault("http.burst", 4)
	v.SetDefault("http.max_body_bytes", 2<<20)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings mode needs. Modes are "serve" and "scrape".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "scrape":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Scrape.Concurrency < 1 {
		errs = append(errs, "scrape.concurrency must be >= 1")
	}
	if c.Scrape.Candidates < 1 {
		errs = append(errs, "scrape.candidates must be >= 1")
	}
	if c.Scrape.FetchTimeoutSecs < 1 {
		errs = append(errs, "scrape.fetch_timeout_secs must be >= 1")
	}
	if c.Pool.Size < 1 {
		errs = append(errs, "pool.size must be >= 1")
	}
	if c.Pool.MaxUses < 0 {
		errs = append(errs, "pool.max_uses must be >= 0")
	}
	if c.Extract.MaxChars < 1 {
		errs = append(errs, "extract.max_chars must be >= 1")
	}
	switch c.Search.Provider {
	case ProviderBing, ProviderJina:
	default:
		errs = append(errs, fmt.Sprintf("search.provider must be %q or %q, got %q", ProviderBing, ProviderJina, c.Search.Provider))
	}
	if c.Search.Retries < 0 {
		errs = append(errs, "search.retries must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// PageLoadTimeout is browser.page_load_timeout_secs as a duration.
func (b BrowserConfig) PageLoadTimeout() time.Duration {
	return time.Duration(b.PageLoadTimeoutSecs) * time.Second
}

// Settle is browser.settle_ms as a duration.
func (b BrowserConfig) Settle() time.Duration { return time.Duration(b.SettleMs) * time.Millisecond }

// ConsentTimeout is browser.consent_timeout_ms as a duration.
func (b BrowserConfig) ConsentTimeout() time.Duration {
	return time.Duration(b.ConsentTimeoutMs) * time.Millisecond
}

// ResetTimeout is browser.reset_timeout_secs as a duration.
func (b BrowserConfig) ResetTimeout() time.Duration {
	return time.Duration(b.ResetTimeoutSecs) * time.Second
}

// AcquireTimeout is pool.acquire_timeout_secs as a duration.
func (p PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(p.AcquireTimeoutSecs) * time.Second
}

// FetchTimeout is scrape.fetch_timeout_secs as a duration.
func (s ScrapeConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSecs) * time.Second
}

// RedirectWait is scrape.redirect_timeout_ms as a duration.
func (s ScrapeConfig) RedirectWait() time.Duration {
	return time.Duration(s.RedirectTimeoutMs) * time.Millisecond
}

// CircuitReset is search.circuit_reset_secs as a duration.
func (s SearchConfig) CircuitReset() time.Duration {
	return time.Duration(s.CircuitResetSecs) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
