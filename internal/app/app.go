// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/token-metadata-crawler/internal/api"
	"github.com/JakeFAU/token-metadata-crawler/internal/batcher"
	"github.com/JakeFAU/token-metadata-crawler/internal/config"
	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/token-metadata-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/token-metadata-crawler/internal/id/uuid"
	"github.com/JakeFAU/token-metadata-crawler/internal/logging"
	"github.com/JakeFAU/token-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/token-metadata-crawler/internal/pipeline"
	"github.com/JakeFAU/token-metadata-crawler/internal/policy/ratelimit"
	natspub "github.com/JakeFAU/token-metadata-crawler/internal/publisher/nats"
	"github.com/JakeFAU/token-metadata-crawler/internal/resolver"
	"github.com/JakeFAU/token-metadata-crawler/internal/telemetry"
	"github.com/JakeFAU/token-metadata-crawler/internal/tokenapi"
	"github.com/JakeFAU/token-metadata-crawler/internal/worker"
)

// closablePublisher is a batch notice publisher holding a connection.
type closablePublisher interface {
	crawler.Publisher
	Close() error
}

// App holds the services built from one Config. It is created once at startup and closed
// after the command finishes.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	pipeline       *pipeline.Pipeline
	server         *api.Server
	publisher      closablePublisher
	tracerShutdown func(context.Context) error
}

// New builds every component. logger may be nil, in which case one is built from cfg.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		l, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		logger = l
	}
	a := &App{cfg: cfg, logger: logger}

	metrics.Init()

	shutdown, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Enabled)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = shutdown

	client, err := tokenapi.New(tokenapi.Config{
		BaseURI:     cfg.API.URI,
		APIKey:      cfg.API.Key,
		BatchPath:   cfg.API.BatchPath,
		PersistPath: cfg.API.PersistPath,
		Timeout:     cfg.APITimeout(),
	}, nil, logger.Named("tokenapi"))
	if err != nil {
		a.closeQuietly(ctx)
		return nil, fmt.Errorf("token api client: %w", err)
	}

	var limiter *ratelimit.Limiter
	if cfg.Crawler.PerHostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			PerHostRPS: cfg.Crawler.PerHostRPS,
			Burst:      cfg.Crawler.PerHostBurst,
			MaxHosts:   cfg.Crawler.PerHostMax,
		})
	}
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Crawler.UserAgent,
		Timeout:      cfg.Crawler.FetchTimeout,
		MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
	}, limiter, logger.Named("fetcher"))

	var publisher crawler.Publisher
	if cfg.Notify.NATSURL != "" {
		pub, err := natspub.New(natspub.Config{URL: cfg.Notify.NATSURL, Name: cfg.Tracing.ServiceName}, logger.Named("notify"))
		if err != nil {
			a.closeQuietly(ctx)
			return nil, fmt.Errorf("batch notice publisher: %w", err)
		}
		a.publisher = pub
		publisher = pub
	}

	res := resolver.New(cfg.Gateway.Prefix)
	logger.Info("crawler configured",
		zap.String("registry", cfg.API.URI),
		zap.String("gateway", res.Gateway()),
		zap.Int("workers", cfg.Crawler.MaxRequests),
		zap.Bool("rate_limited", limiter.Enabled()),
		zap.Bool("notices", publisher != nil),
	)

	ids := uuid.New()
	a.pipeline = pipeline.New(
		client,
		client,
		fetcher,
		res,
		publisher,
		ids,
		pipeline.Config{
			Workers:       cfg.Crawler.MaxRequests,
			HighWaterMark: cfg.Crawler.HighWaterMark,
			PollInterval:  cfg.Crawler.ProducerIdle,
			Worker:        worker.Config{Idle: cfg.Crawler.WorkerIdle},
			Batcher: batcher.Config{
				BatchSize:     cfg.Batcher.BatchSize,
				Idle:          cfg.Batcher.Idle,
				URIWidth:      cfg.Batcher.URIWidth,
				MetadataWidth: cfg.Batcher.MetadataWidth,
				Subject:       cfg.Notify.Subject,
			},
		},
		logger,
	)

	if cfg.Server.Enabled {
		a.server = api.NewServer(a.pipeline, ids, logger.Named("api"))
	}
	return a, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Pipeline returns the crawl pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Server returns the ops server, or nil when it is disabled.
func (a *App) Server() *api.Server {
	return a.server
}

// Close flushes spans, closes the publisher and syncs the logger.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	// stdout/stderr sync errors are expected on some platforms
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeQuietly(ctx context.Context) {
	if err := a.Close(ctx); err != nil {
		a.logger.Warn("cleanup after failed init", zap.Error(err))
	}
}
