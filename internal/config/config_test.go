package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
api:
  uri: https://registry.example.com
  key: secret
  timeout_seconds: 15
gateway:
  prefix: https://gw.example.com/ipfs/
crawler:
  max_requests: 50
  high_water_mark: 500
  worker_idle: 250ms
  fetch_timeout: 10s
  per_host_rps: 2.5
batcher:
  batch_size: 25
  idle: 2s
server:
  enabled: true
  port: 9191
logging:
  development: true
notify:
  nats_url: nats://127.0.0.1:4222
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://registry.example.com", cfg.API.URI)
	assert.Equal(t, "secret", cfg.API.Key)
	assert.Equal(t, 15*time.Second, cfg.APITimeout())
	assert.Equal(t, "https://gw.example.com/ipfs/", cfg.Gateway.Prefix)
	assert.Equal(t, 50, cfg.Crawler.MaxRequests)
	assert.Equal(t, 500, cfg.Crawler.HighWaterMark)
	assert.Equal(t, 250*time.Millisecond, cfg.Crawler.WorkerIdle)
	assert.Equal(t, 10*time.Second, cfg.Crawler.FetchTimeout)
	assert.InDelta(t, 2.5, cfg.Crawler.PerHostRPS, 0.0001)
	assert.Equal(t, 25, cfg.Batcher.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Batcher.Idle)
	assert.True(t, cfg.Server.Enabled)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Notify.NATSURL)

	// untouched keys keep their defaults
	assert.Equal(t, "/api/v1/token/batch", cfg.API.BatchPath)
	assert.Equal(t, "/api/v1/token/persist_md", cfg.API.PersistPath)
	assert.Equal(t, time.Second, cfg.Crawler.ProducerIdle)
	assert.Equal(t, 32, cfg.Batcher.URIWidth)
	assert.Equal(t, 160, cfg.Batcher.MetadataWidth)
	assert.Equal(t, "metadata.batches", cfg.Notify.Subject)
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
api: {uri: "https://r", key: "k"}
gateway: {prefix: "https://gw/"}
crawler: {max_requests: 200}
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.APITimeout())
	assert.Equal(t, 10000, cfg.Crawler.HighWaterMark)
	assert.Equal(t, time.Second, cfg.Crawler.WorkerIdle)
	assert.Equal(t, 30*time.Second, cfg.Crawler.FetchTimeout)
	assert.Zero(t, cfg.Crawler.PerHostRPS)
	assert.Equal(t, 10000, cfg.Crawler.PerHostMax)
	assert.Equal(t, 100, cfg.Batcher.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Batcher.Idle)
	assert.False(t, cfg.Server.Enabled)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.False(t, cfg.Logging.Development)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Empty(t, cfg.Notify.NATSURL)
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("API_URI", "https://legacy.example.com")
	t.Setenv("API_KEY", "legacy-key")
	t.Setenv("IPFS_GATEWAY", "https://legacy-gw/ipfs/")
	t.Setenv("MAX_REQUESTS", "200")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://legacy.example.com", cfg.API.URI)
	assert.Equal(t, "legacy-key", cfg.API.Key)
	assert.Equal(t, "https://legacy-gw/ipfs/", cfg.Gateway.Prefix)
	assert.Equal(t, 200, cfg.Crawler.MaxRequests)
}

func TestLoadPrefixedEnvironmentWins(t *testing.T) {
	t.Setenv("CRAWLER_API_URI", "https://prefixed.example.com")
	t.Setenv("API_URI", "https://legacy.example.com")
	t.Setenv("API_KEY", "k")
	t.Setenv("IPFS_GATEWAY", "https://gw/")
	t.Setenv("CRAWLER_CRAWLER_MAX_REQUESTS", "8")
	t.Setenv("CRAWLER_BATCHER_BATCH_SIZE", "10")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://prefixed.example.com", cfg.API.URI)
	assert.Equal(t, 8, cfg.Crawler.MaxRequests)
	assert.Equal(t, 10, cfg.Batcher.BatchSize)
}

func TestLoadMissingMandatory(t *testing.T) {
	for _, name := range []string{"API_URI", "API_KEY", "IPFS_GATEWAY", "MAX_REQUESTS"} {
		t.Setenv(name, "")
	}
	t.Setenv("API_KEY", "k")

	_, err := Load("")
	require.ErrorIs(t, err, ErrMissing)
	assert.Contains(t, err.Error(), "api.uri")
	assert.Contains(t, err.Error(), "gateway.prefix")
	assert.Contains(t, err.Error(), "crawler.max_requests")
	assert.NotContains(t, err.Error(), "api.key")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestValidateLimits(t *testing.T) {
	t.Parallel()

	valid := Config{
		API:     APIConfig{URI: "https://r", Key: "k", TimeoutSeconds: 60},
		Gateway: GatewayConfig{Prefix: "https://gw/"},
		Crawler: CrawlerConfig{MaxRequests: 1, HighWaterMark: 1},
		Batcher: BatcherConfig{BatchSize: 1},
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max requests", func(c *Config) { c.Crawler.MaxRequests = -1 }},
		{"zero high water", func(c *Config) { c.Crawler.HighWaterMark = 0 }},
		{"negative rps", func(c *Config) { c.Crawler.PerHostRPS = -1 }},
		{"zero batch", func(c *Config) { c.Batcher.BatchSize = 0 }},
		{"zero api timeout", func(c *Config) { c.API.TimeoutSeconds = 0 }},
		{"server without port", func(c *Config) { c.Server.Enabled = true }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
