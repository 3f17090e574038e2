// Package worker turns work items into results: resolve, fetch when needed, classify.
package worker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/token-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/token-metadata-crawler/internal/queue/memory"
	"github.com/JakeFAU/token-metadata-crawler/internal/resolver"
)

const defaultIdle = time.Second

// Config controls Worker behavior.
type Config struct {
	// Idle is how long to sleep when the work queue is empty.
	Idle time.Duration
}

// Worker consumes the work queue and produces exactly one Result per item.
type Worker struct {
	id       int
	work     *memory.Queue[crawler.WorkItem]
	results  *memory.Queue[crawler.Result]
	resolver *resolver.Resolver
	fetcher  crawler.Fetcher
	cfg      Config
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	work *memory.Queue[crawler.WorkItem],
	results *memory.Queue[crawler.Result],
	res *resolver.Resolver,
	fetcher crawler.Fetcher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.Idle <= 0 {
		cfg.Idle = defaultIdle
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		work:     work,
		results:  results,
		resolver: res,
		fetcher:  fetcher,
		cfg:      cfg,
		tracer:   otel.Tracer("github.com/JakeFAU/token-metadata-crawler/internal/worker"),
		logger:   logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming work items until the context finishes. A panic while processing
// an item is not recovered.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := w.work.TryPop()
		if !ok {
			if err := w.work.Wait(ctx, w.cfg.Idle); err != nil {
				return
			}
			continue
		}
		metrics.SetQueueDepth(metrics.QueueWork, w.work.Len())
		result := w.Process(ctx, item)
		w.results.Push(result)
		metrics.SetQueueDepth(metrics.QueueResults, w.results.Len())
	}
}

// Process computes the Result for a single item. It never returns without a Result.
func (w *Worker) Process(ctx context.Context, item crawler.WorkItem) crawler.Result {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	ctx, span := w.tracer.Start(ctx, "worker.process",
		trace.WithAttributes(
			attribute.String("token.contract", item.ContractHash),
			attribute.String("token.id", item.TokenID),
		),
	)
	defer span.End()

	res := w.resolver.Resolve(item.TokenURI)
	span.SetAttributes(attribute.String("resolve.kind", res.Kind.String()))

	var outcome crawler.Outcome
	switch res.Kind {
	case resolver.KindInline, resolver.KindRejected:
		outcome = res.Outcome
	default:
		outcome = w.fetch(ctx, item, res.URI)
	}

	span.SetAttributes(attribute.Int("result.code", int(outcome.Code)))
	metrics.ObserveResult(int(outcome.Code), res.Kind.String())
	return crawler.NewResult(item, outcome)
}

func (w *Worker) fetch(ctx context.Context, item crawler.WorkItem, uri string) crawler.Outcome {
	outcome, err := w.fetcher.Fetch(ctx, uri)
	if err != nil {
		w.logger.Debug("fetch produced no response",
			zap.String("contract", item.ContractHash),
			zap.String("token_id", item.TokenID),
			zap.String("uri", uri),
			zap.Error(err),
		)
		return crawler.NoResponse()
	}
	return outcome
}
