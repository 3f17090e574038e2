// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrMissing is wrapped by Validate for every mandatory setting left empty.
var ErrMissing = errors.New("missing mandatory setting")

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Crawler CrawlerConfig `mapstructure:"crawler"`
	Batcher BatcherConfig `mapstructure:"batcher"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// APIConfig locates the token registry.
type APIConfig struct {
	URI            string `mapstructure:"uri"`
	Key            string `mapstructure:"key"`
	BatchPath      string `mapstructure:"batch_path"`
	PersistPath    string `mapstructure:"persist_path"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// GatewayConfig holds the content-address gateway prefix.
type GatewayConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// CrawlerConfig governs the producer and the worker pool.
type CrawlerConfig struct {
	MaxRequests   int           `mapstructure:"max_requests"`
	HighWaterMark int           `mapstructure:"high_water_mark"`
	WorkerIdle    time.Duration `mapstructure:"worker_idle"`
	ProducerIdle  time.Duration `mapstructure:"producer_idle"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	PerHostRPS    float64       `mapstructure:"per_host_rps"`
	PerHostBurst  int           `mapstructure:"per_host_burst"`
	PerHostMax    int           `mapstructure:"per_host_max"`
}

// BatcherConfig governs result persistence and progress output.
type BatcherConfig struct {
	BatchSize     int           `mapstructure:"batch_size"`
	Idle          time.Duration `mapstructure:"idle"`
	URIWidth      int           `mapstructure:"uri_width"`
	MetadataWidth int           `mapstructure:"metadata_width"`
}

// ServerConfig controls the optional ops HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig toggles the stdout span exporter.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// NotifyConfig configures batch notices. An empty NATSURL disables them.
type NotifyConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// legacyEnv maps mandatory keys to the bare variable names older deployments set.
var legacyEnv = map[string]string{
	"api.uri":              "API_URI",
	"api.key":              "API_KEY",
	"gateway.prefix":       "IPFS_GATEWAY",
	"crawler.max_requests": "MAX_REQUESTS",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := "CRAWLER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.batch_path", "/api/v1/token/batch")
	v.SetDefault("api.persist_path", "/api/v1/token/persist_md")
	v.SetDefault("api.timeout_seconds", 60)
	v.SetDefault("crawler.high_water_mark", 10000)
	v.SetDefault("crawler.worker_idle", time.Second)
	v.SetDefault("crawler.producer_idle", time.Second)
	v.SetDefault("crawler.fetch_timeout", 30*time.Second)
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.max_body_bytes", 10*1024*1024)
	v.SetDefault("crawler.per_host_rps", 0)
	v.SetDefault("crawler.per_host_burst", 1)
	v.SetDefault("crawler.per_host_max", 10000)
	v.SetDefault("batcher.batch_size", 100)
	v.SetDefault("batcher.idle", 5*time.Second)
	v.SetDefault("batcher.uri_width", 32)
	v.SetDefault("batcher.metadata_width", 160)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 9090)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "metadata-crawler")
	v.SetDefault("notify.nats_url", "")
	v.SetDefault("notify.subject", "metadata.batches")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.URI) == "" {
		errs = append(errs, fmt.Errorf("%w: api.uri (API_URI)", ErrMissing))
	}
	if strings.TrimSpace(c.API.Key) == "" {
		errs = append(errs, fmt.Errorf("%w: api.key (API_KEY)", ErrMissing))
	}
	if strings.TrimSpace(c.Gateway.Prefix) == "" {
		errs = append(errs, fmt.Errorf("%w: gateway.prefix (IPFS_GATEWAY)", ErrMissing))
	}
	if c.Crawler.MaxRequests == 0 {
		errs = append(errs, fmt.Errorf("%w: crawler.max_requests (MAX_REQUESTS)", ErrMissing))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.Crawler.MaxRequests < 0 {
		return fmt.Errorf("crawler.max_requests must be > 0")
	}
	if c.Crawler.HighWaterMark <= 0 {
		return fmt.Errorf("crawler.high_water_mark must be > 0")
	}
	if c.Crawler.PerHostRPS < 0 {
		return fmt.Errorf("crawler.per_host_rps must be >= 0")
	}
	if c.Batcher.BatchSize <= 0 {
		return fmt.Errorf("batcher.batch_size must be > 0")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0 when the server is enabled")
	}
	return nil
}

// APITimeout converts the registry timeout into a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}
