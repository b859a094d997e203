package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Sessions   SessionsConfig   `yaml:"sessions" mapstructure:"sessions"`
	Cleanup    CleanupConfig    `yaml:"cleanup" mapstructure:"cleanup"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins      []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	ShutdownTimeoutSecs int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// JobsConfig bounds uploads and drives the poll loop.
type JobsConfig struct {
	RetentionHours   int     `yaml:"retention_hours" mapstructure:"retention_hours"`
	MaxFileSizeMB    int     `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	MaxPages         int     `yaml:"max_pages" mapstructure:"max_pages"`
	MaxPollMinutes   int     `yaml:"max_poll_minutes" mapstructure:"max_poll_minutes"`
	PollIntervalSecs int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxPollErrors    int     `yaml:"max_poll_errors" mapstructure:"max_poll_errors"`
	SplitPages       bool    `yaml:"split_pages" mapstructure:"split_pages"`
	PollWorkers      int     `yaml:"poll_workers" mapstructure:"poll_workers"`
	PollBatchSize    int     `yaml:"poll_batch_size" mapstructure:"poll_batch_size"`
	PollRatePerSec   float64 `yaml:"poll_rate_per_sec" mapstructure:"poll_rate_per_sec"`
	PollBurst        int     `yaml:"poll_burst" mapstructure:"poll_burst"`
}

// SessionsConfig configures session retention.
type SessionsConfig struct {
	RetentionHours int `yaml:"retention_hours" mapstructure:"retention_hours"`
}

// CleanupConfig configures the expiry sweeper.
type CleanupConfig struct {
	// Schedule is a cron expression (robfig/cron, standard five fields).
	Schedule          string `yaml:"schedule" mapstructure:"schedule"`
	StaleAfterMinutes int    `yaml:"stale_after_minutes" mapstructure:"stale_after_minutes"`
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// RetryConfig configures bounded retries around external calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the extractor circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// StorageConfig selects the blob backend.
type StorageConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"`
	Bucket   string `yaml:"bucket" mapstructure:"bucket"`
	LocalDir string `yaml:"local_dir" mapstructure:"local_dir"`
}

// ExtractionConfig selects and configures the extraction backend.
type ExtractionConfig struct {
	Backend     string `yaml:"backend" mapstructure:"backend"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings for the batch extractor.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StuckPollingMinutes  int     `yaml:"stuck_polling_minutes" mapstructure:"stuck_polling_minutes"`
}

// CatalogConfig points at the extraction-model catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("DOCFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout_secs", 15)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jobs.retention_hours", 72)
	v.SetDefault("jobs.max_file_size_mb", 50)
	v.SetDefault("jobs.max_pages", 200)
	v.SetDefault("jobs.max_poll_minutes", 30)
	v.SetDefault("jobs.poll_interval_secs", 10)
	v.SetDefault("jobs.max_poll_errors", 5)
	v.SetDefault("jobs.split_pages", false)
	v.SetDefault("jobs.poll_workers", 4)
	v.SetDefault("jobs.poll_batch_size", 50)
	v.SetDefault("jobs.poll_rate_per_sec", 5.0)
	v.SetDefault("jobs.poll_burst", 5)
	v.SetDefault("sessions.retention_hours", 72)
	v.SetDefault("cleanup.schedule", "*/15 * * * *")
	v.SetDefault("cleanup.stale_after_minutes", 60)
	v.SetDefault("cleanup.batch_size", 500)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 10000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local_dir", "./data/blobs")
	v.SetDefault("extraction.backend", "http")
	v.SetDefault("extraction.base_url", "")
	v.SetDefault("extraction.key", "")
	v.SetDefault("extraction.timeout_secs", 60)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stuck_polling_minutes", 60)
	v.SetDefault("catalog.path", "models.yaml")

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

// Validate checks the settings a command mode depends on. Modes: serve,
// worker, sweep, migrate, admin.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
		errs = append(errs, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "migrate", "admin":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		errs = append(errs, c.validateJobs()...)
		errs = append(errs, c.validateBackends()...)
	case "worker":
		errs = append(errs, c.validateJobs()...)
		errs = append(errs, c.validateBackends()...)
		if c.Jobs.PollWorkers < 1 || c.Jobs.PollWorkers > 64 {
			errs = append(errs, "jobs.poll_workers must be between 1 and 64")
		}
		if c.Jobs.PollIntervalSecs <= 0 {
			errs = append(errs, "jobs.poll_interval_secs must be > 0")
		}
	case "sweep":
		if c.Cleanup.StaleAfterMinutes <= 0 {
			errs = append(errs, "cleanup.stale_after_minutes must be > 0")
		}
		if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
			errs = append(errs, "storage.bucket is required for the gcs backend")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateJobs() []string {
	var errs []string
	if c.Jobs.RetentionHours <= 0 {
		errs = append(errs, "jobs.retention_hours must be > 0")
	}
	if c.Sessions.RetentionHours <= 0 {
		errs = append(errs, "sessions.retention_hours must be > 0")
	}
	if c.Jobs.MaxFileSizeMB <= 0 {
		errs = append(errs, "jobs.max_file_size_mb must be > 0")
	}
	if c.Jobs.MaxPages <= 0 {
		errs = append(errs, "jobs.max_pages must be > 0")
	}
	if c.Jobs.MaxPollMinutes <= 0 {
		errs = append(errs, "jobs.max_poll_minutes must be > 0")
	}
	if c.Jobs.MaxPollErrors <= 0 {
		errs = append(errs, "jobs.max_poll_errors must be > 0")
	}
	return errs
}

func (c *Config) validateBackends() []string {
	var errs []string
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			errs = append(errs, "storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			errs = append(errs, "storage.bucket is required for the gcs backend")
		}
	default:
		errs = append(errs, "storage.backend must be local or gcs")
	}
	switch c.Extraction.Backend {
	case "http":
		if c.Extraction.BaseURL == "" {
			errs = append(errs, "extraction.base_url is required for the http backend")
		}
	case "anthropic":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required for the anthropic backend")
		}
	default:
		errs = append(errs, "extraction.backend must be http or anthropic")
	}
	return errs
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
