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
	Env         string           `yaml:"env" mapstructure:"env"`
	SourcesFile string           `yaml:"sources_file" mapstructure:"sources_file"`
	Log         LogConfig        `yaml:"log" mapstructure:"log"`
	Store       StoreConfig      `yaml:"store" mapstructure:"store"`
	Fetch       FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Transform   TransformConfig  `yaml:"transform" mapstructure:"transform"`
	Runlog      RunlogConfig     `yaml:"runlog" mapstructure:"runlog"`
	Metrics     MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Monitoring  MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig selects the blob store holding bronze and silver data.
type StoreConfig struct {
	Backend string   `yaml:"backend" mapstructure:"backend"` // "local" or "s3"
	Dir     string   `yaml:"dir" mapstructure:"dir"`
	S3      S3Config `yaml:"s3" mapstructure:"s3"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	Region    string `yaml:"region" mapstructure:"region"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// FetchConfig tunes the fetch stage. The retry and timeout values are
// defaults tuned for the Danish government services and are expected to be
// overridden per deployment.
type FetchConfig struct {
	Concurrency        int           `yaml:"concurrency" mapstructure:"concurrency"`
	PageSize           int           `yaml:"page_size" mapstructure:"page_size"`
	MaxAttempts        int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff     time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	Jitter             float64       `yaml:"jitter" mapstructure:"jitter"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	RunTimeout         time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	FailureStreak      int           `yaml:"failure_streak" mapstructure:"failure_streak"`
	UserAgent          string        `yaml:"user_agent" mapstructure:"user_agent"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	RatePerSec         float64       `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxBodyMB          int           `yaml:"max_body_mb" mapstructure:"max_body_mb"`
}

// TransformConfig tunes the silver stage.
type TransformConfig struct {
	TargetCRS   string `yaml:"target_crs" mapstructure:"target_crs"`
	MemoryLimit string `yaml:"memory_limit" mapstructure:"memory_limit"`
	TempDir     string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// RunlogConfig selects the run ledger. An empty driver disables it.
type RunlogConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// MetricsConfig configures the Prometheus endpoint. An empty addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// MonitoringConfig configures run health alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DropRateThreshold    float64 `yaml:"drop_rate_threshold" mapstructure:"drop_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from path, or from config.yaml in the working
// directory when path is empty, then from GEOPIPE_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("GEOPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "prod")
	v.SetDefault("sources_file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("store.backend", "local")
	v.SetDefault("store.dir", "data/lake")
	v.SetDefault("store.s3.bucket", "")
	v.SetDefault("store.s3.prefix", "")
	v.SetDefault("store.s3.region", "eu-north-1")
	v.SetDefault("store.s3.endpoint", "")
	v.SetDefault("store.s3.path_style", false)
	v.SetDefault("fetch.concurrency", 3)
	v.SetDefault("fetch.page_size", 100)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.initial_backoff", "1s")
	v.SetDefault("fetch.max_backoff", "30s")
	v.SetDefault("fetch.backoff_multiplier", 2.0)
	v.SetDefault("fetch.jitter", 0.25)
	v.SetDefault("fetch.connect_timeout", "10s")
	v.SetDefault("fetch.read_timeout", "60s")
	v.SetDefault("fetch.run_timeout", "0s")
	v.SetDefault("fetch.failure_streak", 5)
	v.SetDefault("fetch.user_agent", "geo-pipeline/1.0")
	v.SetDefault("fetch.insecure_skip_verify", false)
	v.SetDefault("fetch.rate_per_sec", 5.0)
	v.SetDefault("fetch.max_body_mb", 256)
	v.SetDefault("transform.target_crs", "EPSG:4326")
	v.SetDefault("transform.memory_limit", "")
	v.SetDefault("transform.temp_dir", "")
	v.SetDefault("runlog.driver", "sqlite")
	v.SetDefault("runlog.dsn", "data/runs.db")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.drop_rate_threshold", 0.05)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks for combinations Load cannot reject on its own.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "local":
		if c.Store.Dir == "" {
			return eris.New("config: store.dir is required for the local backend")
		}
	case "s3":
		if c.Store.S3.Bucket == "" {
			return eris.New("config: store.s3.bucket is required for the s3 backend")
		}
	default:
		return eris.Errorf("config: unknown store.backend %q (valid: local, s3)", c.Store.Backend)
	}

	switch c.Runlog.Driver {
	case "":
	case "sqlite", "postgres":
		if c.Runlog.DSN == "" {
			return eris.Errorf("config: runlog.dsn is required for driver %s", c.Runlog.Driver)
		}
	default:
		return eris.Errorf("config: unknown runlog.driver %q (valid: sqlite, postgres, empty)", c.Runlog.Driver)
	}

	f := c.Fetch
	if f.Concurrency < 1 {
		return eris.Errorf("config: fetch.concurrency must be at least 1, got %d", f.Concurrency)
	}
	if f.PageSize < 1 {
		return eris.Errorf("config: fetch.page_size must be at least 1, got %d", f.PageSize)
	}
	if f.MaxAttempts < 1 {
		return eris.Errorf("config: fetch.max_attempts must be at least 1, got %d", f.MaxAttempts)
	}
	if f.Jitter < 0 || f.Jitter > 1 {
		return eris.Errorf("config: fetch.jitter must be within [0, 1], got %g", f.Jitter)
	}
	if f.MaxBackoff > 0 && f.InitialBackoff > f.MaxBackoff {
		return eris.New("config: fetch.initial_backoff exceeds fetch.max_backoff")
	}
	if f.ConnectTimeout < 0 || f.ReadTimeout < 0 || f.RunTimeout < 0 {
		return eris.New("config: fetch timeouts must not be negative")
	}
	if f.RatePerSec < 0 {
		return eris.New("config: fetch.rate_per_sec must not be negative")
	}

	m := c.Monitoring
	if m.FailureRateThreshold < 0 || m.FailureRateThreshold > 1 {
		return eris.Errorf("config: monitoring.failure_rate_threshold must be within [0, 1], got %g", m.FailureRateThreshold)
	}
	if m.DropRateThreshold < 0 || m.DropRateThreshold > 1 {
		return eris.Errorf("config: monitoring.drop_rate_threshold must be within [0, 1], got %g", m.DropRateThreshold)
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
