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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Claude   ClaudeConfig   `yaml:"claude" mapstructure:"claude"`
	Vision   VisionConfig   `yaml:"vision" mapstructure:"vision"`
	Pricing  PricingConfig  `yaml:"pricing" mapstructure:"pricing"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Notify   NotifyConfig   `yaml:"notify" mapstructure:"notify"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ClaudeConfig holds settings for the generative reasoning capability.
type ClaudeConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	Model       string `yaml:"model" mapstructure:"model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// VisionConfig holds settings for the image feature extraction capability.
type VisionConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PricingSourceConfig configures one external pricing source.
type PricingSourceConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
}

// PricingConfig configures the price aggregation stage.
type PricingConfig struct {
	PriceCharting      PricingSourceConfig `yaml:"pricecharting" mapstructure:"pricecharting"`
	TCGPlayer          PricingSourceConfig `yaml:"tcgplayer" mapstructure:"tcgplayer"`
	ObservationTTLMins int                 `yaml:"observation_ttl_mins" mapstructure:"observation_ttl_mins"`
	ResultTTLMins      int                 `yaml:"result_ttl_mins" mapstructure:"result_ttl_mins"`
	WindowDays         int                 `yaml:"window_days" mapstructure:"window_days"`
}

// PipelineConfig configures orchestration behavior.
type PipelineConfig struct {
	StageTimeoutSecs      int     `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	AuthenticityThreshold float64 `yaml:"authenticity_threshold" mapstructure:"authenticity_threshold"`
}

// RetryConfig configures per-stage retry behavior.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// NotifyConfig configures the completion event sink.
type NotifyConfig struct {
	WebhookURL  string `yaml:"webhook_url" mapstructure:"webhook_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the trigger webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("CARDLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "cardlens.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("claude.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("claude.max_tokens", 2048)
	v.SetDefault("claude.timeout_secs", 60)
	v.SetDefault("vision.base_url", "https://vision.cardlens.io/v1")
	v.SetDefault("vision.timeout_secs", 45)
	v.SetDefault("pricing.pricecharting.base_url", "https://www.pricecharting.com/api")
	v.SetDefault("pricing.pricecharting.rate_per_sec", 5)
	v.SetDefault("pricing.pricecharting.timeout_secs", 15)
	v.SetDefault("pricing.pricecharting.enabled", true)
	v.SetDefault("pricing.tcgplayer.base_url", "https://api.tcgplayer.com/v1.39.0")
	v.SetDefault("pricing.tcgplayer.rate_per_sec", 10)
	v.SetDefault("pricing.tcgplayer.timeout_secs", 15)
	v.SetDefault("pricing.tcgplayer.enabled", true)
	v.SetDefault("pricing.observation_ttl_mins", 60)
	v.SetDefault("pricing.result_ttl_mins", 60)
	v.SetDefault("pricing.window_days", 90)
	v.SetDefault("pipeline.stage_timeout_secs", 120)
	v.SetDefault("pipeline.authenticity_threshold", 0.5)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("notify.timeout_secs", 10)

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
