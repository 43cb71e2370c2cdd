// Package config loads kernel configuration: built-in defaults, then an
// optional aionis.yaml, then AIONIS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Cognary/Aionis-sub002/internal/embedding"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
	"github.com/Cognary/Aionis-sub002/internal/outbox"
	"github.com/Cognary/Aionis-sub002/internal/store"
)

// EnvPrefix prefixes every environment override, e.g.
// AIONIS_DATABASE_DSN for database.dsn.
const EnvPrefix = "AIONIS"

// Embedding provider kinds.
const (
	ProviderFake = "fake"
	ProviderHTTP = "http"
)

type Config struct {
	Database  DatabaseConfig       `mapstructure:"database"`
	Outbox    OutboxConfig         `mapstructure:"outbox"`
	Embedding EmbeddingConfig      `mapstructure:"embedding"`
	Lifecycle lifecycle.Thresholds `mapstructure:"lifecycle"`
	Log       LogConfig            `mapstructure:"log"`
	Ledger    LedgerConfig         `mapstructure:"ledger"`
	Memory    MemoryConfig         `mapstructure:"memory"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

type EmbeddingConfig struct {
	Provider       string        `mapstructure:"provider"`
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Dim            int           `mapstructure:"dim"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RedactPII      bool          `mapstructure:"redact_pii"`
	TriggerCluster bool          `mapstructure:"trigger_cluster"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type LedgerConfig struct {
	// RedactInput redacts PII from commit input text before hashing.
	RedactInput bool `mapstructure:"redact_input"`
}

type MemoryConfig struct {
	AutoEmbed bool `mapstructure:"auto_embed"`
}

// Default returns the built-in configuration.
func Default() Config {
	oc := outbox.DefaultConfig()
	return Config{
		Database: DatabaseConfig{Driver: store.DriverSQLite, DSN: "aionis.db"},
		Outbox: OutboxConfig{
			PollInterval: oc.PollInterval,
			BatchSize:    oc.BatchSize,
			LeaseTimeout: oc.LeaseTimeout,
			MaxAttempts:  oc.MaxAttempts,
		},
		Embedding: EmbeddingConfig{
			Provider:       ProviderFake,
			Model:          "text-embedding-3-small",
			Dim:            16,
			Timeout:        30 * time.Second,
			MaxRetries:     2,
			RetryBaseDelay: 500 * time.Millisecond,
			TriggerCluster: true,
		},
		Lifecycle: lifecycle.DefaultThresholds,
		Log:       LogConfig{Level: "info", Format: "text"},
		Memory:    MemoryConfig{AutoEmbed: true},
	}
}

// Load reads configuration. path names an explicit config file; when it
// is empty aionis.yaml is searched for in the working directory and
// $HOME/.config/aionis, and a missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aionis")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/aionis")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the config file does not mention.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("outbox.poll_interval", d.Outbox.PollInterval)
	v.SetDefault("outbox.batch_size", d.Outbox.BatchSize)
	v.SetDefault("outbox.lease_timeout", d.Outbox.LeaseTimeout)
	v.SetDefault("outbox.max_attempts", d.Outbox.MaxAttempts)
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dim", d.Embedding.Dim)
	v.SetDefault("embedding.timeout", d.Embedding.Timeout)
	v.SetDefault("embedding.max_retries", d.Embedding.MaxRetries)
	v.SetDefault("embedding.retry_base_delay", d.Embedding.RetryBaseDelay)
	v.SetDefault("embedding.redact_pii", d.Embedding.RedactPII)
	v.SetDefault("embedding.trigger_cluster", d.Embedding.TriggerCluster)
	v.SetDefault("lifecycle.min_positives", d.Lifecycle.MinPositives)
	v.SetDefault("lifecycle.max_neg_ratio", d.Lifecycle.MaxNegRatio)
	v.SetDefault("lifecycle.min_score", d.Lifecycle.MinScore)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("ledger.redact_input", d.Ledger.RedactInput)
	v.SetDefault("memory.auto_embed", d.Memory.AutoEmbed)
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return fmt.Errorf("config: database.driver %q must be %q or %q", c.Database.Driver, store.DriverSQLite, store.DriverPostgres)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn is required")
	}
	if c.Outbox.BatchSize <= 0 || c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("config: outbox.batch_size and outbox.max_attempts must be positive")
	}
	if c.Outbox.PollInterval <= 0 || c.Outbox.LeaseTimeout <= 0 {
		return fmt.Errorf("config: outbox.poll_interval and outbox.lease_timeout must be positive")
	}
	switch c.Embedding.Provider {
	case ProviderFake:
	case ProviderHTTP:
		if c.Embedding.BaseURL == "" {
			return fmt.Errorf("config: embedding.base_url is required for the http provider")
		}
		if c.Embedding.Model == "" {
			return fmt.Errorf("config: embedding.model is required for the http provider")
		}
	default:
		return fmt.Errorf("config: embedding.provider %q must be %q or %q", c.Embedding.Provider, ProviderFake, ProviderHTTP)
	}
	if c.Embedding.Dim <= 0 {
		return fmt.Errorf("config: embedding.dim must be positive")
	}
	if c.Lifecycle.MaxNegRatio < 0 || c.Lifecycle.MaxNegRatio > 1 {
		return fmt.Errorf("config: lifecycle.max_neg_ratio must be in [0, 1]")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

// SchedulerConfig converts the outbox section.
func (c Config) SchedulerConfig() outbox.Config {
	return outbox.Config{
		BatchSize:    c.Outbox.BatchSize,
		MaxAttempts:  c.Outbox.MaxAttempts,
		LeaseTimeout: c.Outbox.LeaseTimeout,
		PollInterval: c.Outbox.PollInterval,
	}
}

// Provider builds the configured embedding provider.
func (c Config) Provider() embedding.Provider {
	e := c.Embedding
	if e.Provider == ProviderHTTP {
		p := embedding.NewHTTPProvider(e.BaseURL, e.APIKey, e.Model, e.Dim, e.Timeout)
		if e.MaxRetries > 0 {
			return embedding.WithRetry(p, e.MaxRetries, e.RetryBaseDelay)
		}
		return p
	}
	return embedding.NewFakeProvider(e.Dim)
}

// Logger builds the process logger. verbose forces debug level.
func (c Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log.level %q: %w", s, err)
	}
	return l, nil
}
