// Package pipeline wires the producer, worker pool and batcher around two in-memory queues
// and decides when a run is finished.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/token-metadata-crawler/internal/batcher"
	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/token-metadata-crawler/internal/dispatcher"
	"github.com/JakeFAU/token-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/token-metadata-crawler/internal/queue/memory"
	"github.com/JakeFAU/token-metadata-crawler/internal/resolver"
	"github.com/JakeFAU/token-metadata-crawler/internal/worker"
)

const (
	defaultHighWaterMark = 10000
	defaultPollInterval  = time.Second
)

// ErrAlreadyRan is returned when Run is called twice on the same Pipeline.
var ErrAlreadyRan = errors.New("pipeline already ran")

// Config sizes the pipeline.
type Config struct {
	Workers       int
	HighWaterMark int
	PollInterval  time.Duration
	Worker        worker.Config
	Batcher       batcher.Config
}

// Stats summarizes a run. It is also served live by the ops server.
type Stats struct {
	RunID       string `json:"run_id"`
	Fetched     int64  `json:"fetched"`
	Outstanding int64  `json:"outstanding"`
	WorkDepth   int    `json:"work_queue_depth"`
	ResultDepth int    `json:"result_queue_depth"`
	Persisted   int64  `json:"persisted"`
	Dropped     int64  `json:"dropped"`
	Workers     int    `json:"workers"`
	Running     bool   `json:"running"`
}

// Pipeline owns the queues and every stage that touches them.
type Pipeline struct {
	source  crawler.Source
	ids     crawler.IDGenerator
	cfg     Config
	logger  *zap.Logger
	work    *memory.Queue[crawler.WorkItem]
	results *memory.Queue[crawler.Result]
	pool    *dispatcher.Dispatcher
	batch   *batcher.Batcher

	runID       atomic.Value
	started     atomic.Bool
	running     atomic.Bool
	fetched     atomic.Int64
	outstanding atomic.Int64
}

// New builds a pipeline. publisher may be nil.
func New(
	source crawler.Source,
	sink crawler.Sink,
	fetcher crawler.Fetcher,
	res *resolver.Resolver,
	publisher crawler.Publisher,
	ids crawler.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.HighWaterMark <= 0 {
		cfg.HighWaterMark = defaultHighWaterMark
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		source:  source,
		ids:     ids,
		cfg:     cfg,
		logger:  logger,
		work:    memory.NewQueue[crawler.WorkItem](),
		results: memory.NewQueue[crawler.Result](),
	}
	p.runID.Store("")
	p.pool = dispatcher.NewPool(cfg.Workers, p.work, p.results, res, fetcher, cfg.Worker, logger.Named("worker"))
	p.batch = batcher.New(p.results, sink, publisher, cfg.Batcher, p.retire, logger.Named("batcher"))
	return p
}

// Run crawls until the source is exhausted and every fetched item has left the pipeline,
// or until ctx ends. It can only be called once.
func (p *Pipeline) Run(ctx context.Context) (Stats, error) {
	if !p.started.CompareAndSwap(false, true) {
		return p.Stats(), ErrAlreadyRan
	}
	if p.ids != nil {
		id, err := p.ids.NewID()
		if err != nil {
			return p.Stats(), fmt.Errorf("run id: %w", err)
		}
		p.runID.Store(id)
		p.batch.SetRunID(id)
	}

	logger := p.logger.With(zap.String("run_id", p.runID.Load().(string)))
	logger.Info("start metadata crawler", zap.Int("workers", p.pool.Size()))
	p.running.Store(true)

	stageCtx, stopStages := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.pool.Run(stageCtx)
	}()
	go func() {
		defer wg.Done()
		p.batch.Run(stageCtx)
	}()

	err := p.produce(ctx, logger.Named("producer"))
	stopStages()
	wg.Wait()
	p.running.Store(false)

	stats := p.Stats()
	logger.Info("metadata crawler finished",
		zap.Int64("fetched", stats.Fetched),
		zap.Int64("persisted", stats.Persisted),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("outstanding", stats.Outstanding),
	)
	return stats, err
}

// Stats is safe to call while Run is in progress.
func (p *Pipeline) Stats() Stats {
	return Stats{
		RunID:       p.runID.Load().(string),
		Fetched:     p.fetched.Load(),
		Outstanding: p.outstanding.Load(),
		WorkDepth:   p.work.Len(),
		ResultDepth: p.results.Len(),
		Persisted:   p.batch.Persisted(),
		Dropped:     p.batch.Dropped(),
		Workers:     p.pool.Size(),
		Running:     p.running.Load(),
	}
}

// Running reports whether Run is in progress.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

func (p *Pipeline) produce(ctx context.Context, logger *zap.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("producer stopped: %w", err)
		}

		if depth := p.work.Len(); depth > p.cfg.HighWaterMark {
			metrics.ObserveSourcePoll("backpressure")
			logger.Debug("work queue above high-water mark", zap.Int("depth", depth))
			p.idle(ctx)
			continue
		}

		items, err := p.source.FetchBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			metrics.ObserveSourcePoll("error")
			logger.Error("fetch work page failed", zap.Error(err))
			p.idle(ctx)
			continue
		}

		if len(items) == 0 {
			metrics.ObserveSourcePoll("empty")
			if p.drained() {
				return nil
			}
			p.idle(ctx)
			continue
		}

		metrics.ObserveSourcePoll("items")
		p.fetched.Add(int64(len(items)))
		p.outstanding.Add(int64(len(items)))
		p.pool.Enqueue(items...)
	}
}

// drained holds when nothing fetched is still queued, being worked or waiting to persist.
func (p *Pipeline) drained() bool {
	return p.outstanding.Load() == 0 && p.work.Len() == 0 && p.results.Len() == 0
}

func (p *Pipeline) retire(n int) {
	p.outstanding.Add(-int64(n))
}

func (p *Pipeline) idle(ctx context.Context) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
