package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "DECKFLOW"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "deckflow.db"
	defaultLogLevel            = "info"
	defaultMaxDecks            = 3
	defaultSlideConcurrency    = 3
	defaultStageTimeoutSeconds = 60
	defaultStageRetries        = 2
	defaultRetryBackoffMillis  = 500
	defaultGeneratorTimeout    = 120
	defaultVersionCap          = 10
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	SigningSecret       string
	GeneratorBaseURL    string
	GeneratorAPIKey     string
	GeneratorTimeout    time.Duration
	MaxDecks            int
	MaxSlideConcurrency int
	StageTimeout        time.Duration
	StageRetries        int
	RetryBackoff        time.Duration
	VersionCap          int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("generator.base_url", "")
	configViper.SetDefault("generator.api_key", "")
	configViper.SetDefault("generator.timeout_seconds", defaultGeneratorTimeout)
	configViper.SetDefault("orchestrator.max_decks", defaultMaxDecks)
	configViper.SetDefault("orchestrator.max_slide_concurrency", defaultSlideConcurrency)
	configViper.SetDefault("orchestrator.stage_timeout_seconds", defaultStageTimeoutSeconds)
	configViper.SetDefault("orchestrator.stage_retries", defaultStageRetries)
	configViper.SetDefault("orchestrator.retry_backoff_ms", defaultRetryBackoffMillis)
	configViper.SetDefault("versions.cap", defaultVersionCap)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		GeneratorBaseURL:    configViper.GetString("generator.base_url"),
		GeneratorAPIKey:     configViper.GetString("generator.api_key"),
		GeneratorTimeout:    time.Duration(configViper.GetInt("generator.timeout_seconds")) * time.Second,
		MaxDecks:            configViper.GetInt("orchestrator.max_decks"),
		MaxSlideConcurrency: configViper.GetInt("orchestrator.max_slide_concurrency"),
		StageTimeout:        time.Duration(configViper.GetInt("orchestrator.stage_timeout_seconds")) * time.Second,
		StageRetries:        configViper.GetInt("orchestrator.stage_retries"),
		RetryBackoff:        time.Duration(configViper.GetInt("orchestrator.retry_backoff_ms")) * time.Millisecond,
		VersionCap:          configViper.GetInt("versions.cap"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.MaxDecks < 1 {
		return fmt.Errorf("orchestrator.max_decks must be at least 1")
	}
	if c.MaxSlideConcurrency < 1 {
		return fmt.Errorf("orchestrator.max_slide_concurrency must be at least 1")
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("orchestrator.stage_timeout_seconds must be positive")
	}
	if c.StageRetries < 0 {
		return fmt.Errorf("orchestrator.stage_retries must not be negative")
	}
	if c.VersionCap < 1 {
		return fmt.Errorf("versions.cap must be at least 1")
	}
	return nil
}
