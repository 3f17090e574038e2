// Package batcher drains the result queue and persists results in bounded batches.
package batcher

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/token-metadata-crawler/internal/crawler"
	"github.com/JakeFAU/token-metadata-crawler/internal/metrics"
	"github.com/JakeFAU/token-metadata-crawler/internal/queue/memory"
)

const (
	defaultBatchSize     = 100
	defaultIdle          = 5 * time.Second
	defaultURIWidth      = 32
	defaultMetadataWidth = 160
	ellipsis             = "..."
)

// Config controls batch sizing and progress output.
type Config struct {
	BatchSize     int
	Idle          time.Duration
	URIWidth      int
	MetadataWidth int
	// Subject is where batch notices are published. Empty disables notices.
	Subject string
	RunID   string
}

// Notice is published after every successful persist.
type Notice struct {
	RunID       string         `json:"run_id"`
	Count       int            `json:"count"`
	Codes       map[string]int `json:"codes"`
	PersistedAt time.Time      `json:"persisted_at"`
}

// Batcher is the single consumer of the result queue.
type Batcher struct {
	results   *memory.Queue[crawler.Result]
	sink      crawler.Sink
	publisher crawler.Publisher
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	// onFlushed is told how many items left the pipeline after each flush attempt.
	onFlushed func(n int)

	persisted atomic.Int64
	dropped   atomic.Int64
}

// New constructs a Batcher. publisher and onFlushed may be nil.
func New(
	results *memory.Queue[crawler.Result],
	sink crawler.Sink,
	publisher crawler.Publisher,
	cfg Config,
	onFlushed func(n int),
	logger *zap.Logger,
) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Idle <= 0 {
		cfg.Idle = defaultIdle
	}
	if cfg.URIWidth <= len(ellipsis) {
		cfg.URIWidth = defaultURIWidth
	}
	if cfg.MetadataWidth <= len(ellipsis) {
		cfg.MetadataWidth = defaultMetadataWidth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if onFlushed == nil {
		onFlushed = func(int) {}
	}
	return &Batcher{
		results:   results,
		sink:      sink,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		onFlushed: onFlushed,
	}
}

// Run loops until ctx ends.
func (b *Batcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		n := b.Flush(ctx)
		if n < b.cfg.BatchSize {
			if !sleep(ctx, b.cfg.Idle) {
				return
			}
		}
	}
}

// Flush takes up to one batch off the queue and hands it to the sink. It returns the
// number of results taken; failed batches are logged and dropped.
func (b *Batcher) Flush(ctx context.Context) int {
	size := min(b.results.Len(), b.cfg.BatchSize)
	if size == 0 {
		return 0
	}
	batch := b.results.PopN(size)
	metrics.SetQueueDepth(metrics.QueueResults, b.results.Len())
	if len(batch) == 0 {
		return 0
	}

	for _, r := range batch {
		b.logger.Info(b.progressLine(r),
			zap.String("contract", r.Item.ContractHash),
			zap.String("token_id", r.Item.TokenID),
			zap.Int("code", int(r.Code)),
		)
	}

	err := b.sink.Persist(ctx, batch)
	metrics.ObserveSinkBatch(len(batch), err)
	if err != nil {
		b.dropped.Add(int64(len(batch)))
		b.logger.Error("persist failed, dropping batch", zap.Int("results", len(batch)), zap.Error(err))
	} else {
		b.persisted.Add(int64(len(batch)))
		b.logger.Info("saving successful", zap.Int("results", len(batch)))
		b.notify(ctx, batch)
	}
	b.onFlushed(len(batch))
	return len(batch)
}

// SetRunID tags subsequent batch notices. Call it before Run.
func (b *Batcher) SetRunID(id string) {
	b.cfg.RunID = id
}

// Persisted reports how many results the sink accepted.
func (b *Batcher) Persisted() int64 {
	return b.persisted.Load()
}

// Dropped reports how many results were lost to sink failures.
func (b *Batcher) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Batcher) notify(ctx context.Context, batch []crawler.Result) {
	if b.publisher == nil || b.cfg.Subject == "" {
		return
	}
	codes := make(map[string]int)
	for _, r := range batch {
		codes[strconv.Itoa(int(r.Code))]++
	}
	notice := Notice{
		RunID:       b.cfg.RunID,
		Count:       len(batch),
		Codes:       codes,
		PersistedAt: b.now().UTC(),
	}
	if err := b.publisher.Publish(ctx, b.cfg.Subject, notice); err != nil {
		b.logger.Warn("batch notice publish failed", zap.Error(err))
	}
}

func (b *Batcher) progressLine(r crawler.Result) string {
	uri := truncate(r.Item.TokenURI, b.cfg.URIWidth)
	return fmt.Sprintf("[%-*s]: %3d - %s", b.cfg.URIWidth, uri, int(r.Code), truncate(r.Metadata, b.cfg.MetadataWidth))
}

// truncate shortens s to at most width runes, marking the cut with an ellipsis.
func truncate(s string, width int) string {
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	keep := width - len(ellipsis)
	i := 0
	for pos := range s {
		if i == keep {
			return s[:pos] + ellipsis
		}
		i++
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
