package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Lock       LockConfig       `yaml:"lock" mapstructure:"lock"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds model gateway settings.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	ExtractModel      string  `yaml:"extract_model" mapstructure:"extract_model"`
	IcebreakerModel   string  `yaml:"icebreaker_model" mapstructure:"icebreaker_model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	WebSearchMaxUses  int64   `yaml:"web_search_max_uses" mapstructure:"web_search_max_uses"`
	MaxInputChars     int     `yaml:"max_input_chars" mapstructure:"max_input_chars"`
}

// FetchConfig configures the website fetcher.
type FetchConfig struct {
	TimeoutSecs     int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent       string   `yaml:"user_agent" mapstructure:"user_agent"`
	Paths           []string `yaml:"paths" mapstructure:"paths"`
	AllowHTTP       bool     `yaml:"allow_http" mapstructure:"allow_http"`
	MinContentChars int      `yaml:"min_content_chars" mapstructure:"min_content_chars"`
	MaxBodyBytes    int64    `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	Concurrency     int      `yaml:"concurrency" mapstructure:"concurrency"`
}

// Timeout returns the per-URL fetch timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// EnrichConfig configures per-record processing.
type EnrichConfig struct {
	MaxRetries       int    `yaml:"max_retries" mapstructure:"max_retries"`
	AttemptBackoffMs int    `yaml:"attempt_backoff_ms" mapstructure:"attempt_backoff_ms"`
	WorkerID         string `yaml:"worker_id" mapstructure:"worker_id"`
}

// AttemptBackoff returns the fixed delay between per-record attempts.
func (c EnrichConfig) AttemptBackoff() time.Duration {
	return time.Duration(c.AttemptBackoffMs) * time.Millisecond
}

// LockConfig configures enrichment lock staleness.
type LockConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	DisplayWindow time.Duration `yaml:"display_window" mapstructure:"display_window"`
}

// JobsConfig configures the batch job runner and supervisor.
type JobsConfig struct {
	BatchSize int  `yaml:"batch_size" mapstructure:"batch_size"`
	Workers   int  `yaml:"workers" mapstructure:"workers"`
	Chain     bool `yaml:"chain" mapstructure:"chain"`
	QueueSize int  `yaml:"queue_size" mapstructure:"queue_size"`
	// RecoveryIntervalSecs is how often the supervisor re-enqueues running
	// jobs that no worker holds.
	RecoveryIntervalSecs int `yaml:"recovery_interval_secs" mapstructure:"recovery_interval_secs"`
}

// RecoveryInterval returns RecoveryIntervalSecs as a duration.
func (c JobsConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSecs) * time.Second
}

// ReconcileConfig configures the periodic reconciliation sweep.
type ReconcileConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Schedule string `yaml:"schedule" mapstructure:"schedule"`
}

// ServerConfig configures the operator HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background health checker and its
// webhook alerts.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckThreshold       int     `yaml:"stuck_threshold" mapstructure:"stuck_threshold"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets get empty defaults so AutomaticEnv can bind them on Unmarshal.
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("enrich.worker_id", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.extract_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.icebreaker_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("anthropic.web_search_max_uses", 3)
	v.SetDefault("anthropic.max_input_chars", 24000)
	v.SetDefault("fetch.timeout_secs", 10)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	v.SetDefault("fetch.paths", []string{"/about", "/contact", "/team"})
	v.SetDefault("fetch.allow_http", false)
	v.SetDefault("fetch.min_content_chars", 100)
	v.SetDefault("fetch.max_body_bytes", 512*1024)
	v.SetDefault("fetch.concurrency", 3)
	v.SetDefault("enrich.max_retries", 3)
	v.SetDefault("enrich.attempt_backoff_ms", 2000)
	v.SetDefault("lock.stale_after", "10m")
	v.SetDefault("lock.display_window", "15m")
	v.SetDefault("jobs.batch_size", 6)
	v.SetDefault("jobs.workers", 2)
	v.SetDefault("jobs.chain", true)
	v.SetDefault("jobs.queue_size", 64)
	v.SetDefault("jobs.recovery_interval_secs", 60)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "@every 10m")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_threshold", 10)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks that the settings required by mode are present and sane.
// Known modes: "enrichment" (anything that calls the model), "store" (database
// only), and "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	requireStore := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				errs = append(errs, "store.database_url is required")
			}
		case "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
	}

	switch mode {
	case "store":
		requireStore()
	case "enrichment":
		requireStore()
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "serve":
		requireStore()
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Fetch.TimeoutSecs < 1 || c.Fetch.TimeoutSecs > 60 {
		errs = append(errs, "fetch.timeout_secs must be between 1 and 60")
	}
	if c.Enrich.MaxRetries < 1 {
		errs = append(errs, "enrich.max_retries must be >= 1")
	}
	if c.Jobs.BatchSize < 1 {
		errs = append(errs, "jobs.batch_size must be >= 1")
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, "jobs.workers must be >= 1")
	}
	if c.Lock.StaleAfter <= 0 {
		errs = append(errs, "lock.stale_after must be > 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
