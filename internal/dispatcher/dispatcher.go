// Package dispatcher manages worker fan-out over the work queue.
package dispatcher

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/token-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/token-metadata-crawler/internal/queue/memory"
	"github.com/JakeFAU/token-metadata-crawler/internal/resolver"
	"github.com/JakeFAU/token-metadata-crawler/internal/worker"
)

// Runner is anything that consumes work until its context ends.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   *memory.Queue[crawler.WorkItem]
	workers []Runner
}

// New creates a Dispatcher over an explicit set of workers.
func New(queue *memory.Queue[crawler.WorkItem], workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool builds size identical workers sharing the same queues, resolver and fetcher.
func NewPool(
	size int,
	work *memory.Queue[crawler.WorkItem],
	results *memory.Queue[crawler.Result],
	res *resolver.Resolver,
	fetcher crawler.Fetcher,
	cfg worker.Config,
	logger *zap.Logger,
) *Dispatcher {
	if size < 1 {
		size = 1
	}
	workers := make([]Runner, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, worker.New(i, work, results, res, fetcher, cfg, logger))
	}
	return New(work, workers)
}

// Size reports the number of workers.
func (d *Dispatcher) Size() int {
	return len(d.workers)
}

// Run starts all workers and blocks until every one of them has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Enqueue hands items to the work queue.
func (d *Dispatcher) Enqueue(items ...crawler.WorkItem) {
	d.queue.Push(items...)
	metrics.SetQueueDepth(metrics.QueueWork, d.queue.Len())
}
