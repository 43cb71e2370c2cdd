package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognary/Aionis-sub002/internal/embedding"
	"github.com/Cognary/Aionis-sub002/internal/lifecycle"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aionis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, lifecycle.DefaultThresholds, cfg.Lifecycle)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: pgx
  dsn: postgres://localhost/aionis
outbox:
  poll_interval: 250ms
  batch_size: 50
embedding:
  provider: http
  base_url: http://localhost:8080/v1
  dim: 1536
lifecycle:
  min_positives: 10
log:
  format: json
`)
	t.Setenv("AIONIS_OUTBOX_BATCH_SIZE", "7")
	t.Setenv("AIONIS_LIFECYCLE_MAX_NEG_RATIO", "0.5")
	t.Setenv("AIONIS_EMBEDDING_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, "postgres://localhost/aionis", cfg.Database.DSN)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
	assert.Equal(t, 7, cfg.Outbox.BatchSize, "env beats file")
	assert.Equal(t, 2*time.Minute, cfg.Outbox.LeaseTimeout, "default kept")
	assert.Equal(t, ProviderHTTP, cfg.Embedding.Provider)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
	assert.Equal(t, 1536, cfg.Embedding.Dim)
	assert.Equal(t, lifecycle.Thresholds{MinPositives: 10, MaxNegRatio: 0.5, MinScore: 3}, cfg.Lifecycle)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"zero batch", func(c *Config) { c.Outbox.BatchSize = 0 }, "outbox.batch_size"},
		{"zero lease", func(c *Config) { c.Outbox.LeaseTimeout = 0 }, "outbox.poll_interval"},
		{"http without url", func(c *Config) { c.Embedding.Provider = ProviderHTTP }, "embedding.base_url"},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "magic" }, "embedding.provider"},
		{"zero dim", func(c *Config) { c.Embedding.Dim = 0 }, "embedding.dim"},
		{"ratio above one", func(c *Config) { c.Lifecycle.MaxNegRatio = 1.5 }, "max_neg_ratio"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestProvider(t *testing.T) {
	cfg := Default()
	p := cfg.Provider()
	assert.IsType(t, &embedding.FakeProvider{}, p)
	assert.Equal(t, 16, p.Dim())

	cfg.Embedding.Provider = ProviderHTTP
	cfg.Embedding.BaseURL = "http://localhost:1/v1"
	assert.IsType(t, &embedding.RetryProvider{}, cfg.Provider())

	cfg.Embedding.MaxRetries = 0
	assert.IsType(t, &embedding.HTTPProvider{}, cfg.Provider())
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Logger(&buf, false).Debug("hidden")
	cfg.Logger(&buf, false).Info("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	cfg.Log.Format = "text"
	cfg.Logger(&buf, true).Debug("verbose")
	assert.Contains(t, buf.String(), "msg=verbose")
}
