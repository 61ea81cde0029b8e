package task

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/platform/logger"
	"github.com/phrazzld/reel-api/internal/store"
)

// WorkerPoolConfig holds configuration options for the worker pool.
type WorkerPoolConfig struct {
	// WorkerCount determines how many concurrent worker goroutines to
	// start. Kept a small bounded constant matching the external services'
	// realistic parallel-call tolerance. If zero or negative, defaults to 1.
	WorkerCount int
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		WorkerCount: 5,
	}
}

// WorkerPool maintains a fixed set of workers draining the job queue. Each
// worker runs one item's pipeline to completion before dequeuing the next;
// Stop lets in-flight items finish rather than interrupting them mid-call.
type WorkerPool struct {
	queue       *JobQueue
	controller  *Controller
	pipeline    *pipeline
	workerCount int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
}

// NewWorkerPool creates a worker pool draining the controller's queue.
func NewWorkerPool(
	queue *JobQueue,
	controller *Controller,
	items store.ItemStore,
	reserver QuotaReserver,
	metadata MetadataFetcher,
	extractor Extractor,
	policy Policy,
	config WorkerPoolConfig,
	log *slog.Logger,
) *WorkerPool {
	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
		log.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queue:       queue,
		controller:  controller,
		pipeline:    newPipeline(items, reserver, metadata, extractor, policy, ctx.Done(), log),
		workerCount: workerCount,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.With("component", "worker_pool"),
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started", "worker_count", p.workerCount)
}

// Stop shuts the pool down gracefully: no further items are dequeued,
// backoff waits are cut short, and Stop returns once every in-flight item
// has finished its current attempt. No item is left in a dangling
// processing state.
func (p *WorkerPool) Stop() {
	p.queue.Close()
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// worker dequeues and processes items until the queue closes.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", id)
	log.Debug("starting worker")

	for {
		item, ok := p.queue.Dequeue()
		if !ok {
			log.Debug("job queue closed, stopping worker")
			return
		}

		// The batch may have been paused or cancelled while the item sat in
		// the queue; its durable state is still pending, so dropping it here
		// loses nothing.
		if !p.controller.shouldProcess(item.BatchID) {
			log.Debug("skipping item of inactive batch",
				"item_id", item.ID,
				"batch_id", item.BatchID)
			continue
		}

		p.processItem(log, item)
	}
}

// processItem runs one item through the pipeline and reports the outcome to
// the controller. The item's context deliberately does not inherit the
// pool's cancellation: an in-flight item finishes its current attempt even
// during shutdown, and only backoff waits observe p.ctx.
func (p *WorkerPool) processItem(log *slog.Logger, item *domain.WorkItem) {
	ctx := logger.WithLogger(context.Background(), log)

	if err := p.controller.itemStarted(ctx, item); err != nil {
		log.Debug("item not started", "item_id", item.ID, "error", err)
		return
	}

	log.Info("processing item",
		"item_id", item.ID,
		"batch_id", item.BatchID,
		"external_ref", item.ExternalRef,
		"attempt", item.Attempt)

	schema := p.controller.batchSchema(item.BatchID)
	out := p.pipeline.run(ctx, item, schema)

	switch out.kind {
	case outcomeCompleted:
		log.Info("item completed", "item_id", item.ID, "attempt", item.Attempt)
		p.controller.itemCompleted(ctx, item, out.summary)

	case outcomeFailed:
		log.Warn("item failed",
			"item_id", item.ID,
			"error_class", out.class,
			"reason", out.reason)
		p.controller.itemFailed(ctx, item, out.class, out.reason)

	case outcomePaused:
		p.controller.quotaExhausted(ctx, item, out.reason)

	case outcomeInterrupted:
		log.Info("item interrupted by shutdown", "item_id", item.ID)
		p.controller.itemInterrupted(ctx, item)
	}
}
