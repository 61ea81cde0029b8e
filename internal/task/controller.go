package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/events"
	"github.com/phrazzld/reel-api/internal/redact"
	"github.com/phrazzld/reel-api/internal/store"
)

// Errors returned by the batch controller.
var (
	ErrNoItems       = errors.New("batch must contain at least one reference")
	ErrBatchFinished = errors.New("batch is already in a terminal state")
)

// PauseReasonQuota is recorded when a quota exhaustion signal pauses a
// batch; PauseReasonRequested when a caller pauses it explicitly.
const (
	PauseReasonQuota     = "quota_exceeded"
	PauseReasonRequested = "pause_requested"
	cancelReason         = "cancelled"
)

// batchRun is the in-memory aggregate for a non-terminal batch. All fields
// are guarded by Controller.mu.
type batchRun struct {
	batch     *domain.Batch
	inflight  int
	startedAt time.Time
}

// Controller owns batch lifecycle state: it opens batches, enqueues their
// items, applies pause/resume/cancel, and is the single serialized path
// through which workers report item completions, so aggregate counters
// never race.
type Controller struct {
	mu     sync.Mutex
	active map[uuid.UUID]*batchRun

	queue       *JobQueue
	items       store.ItemStore
	batches     store.BatchStore
	broadcaster *events.Broadcaster
	logger      *slog.Logger
}

// NewController creates a Controller.
func NewController(
	queue *JobQueue,
	items store.ItemStore,
	batches store.BatchStore,
	broadcaster *events.Broadcaster,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		active:      make(map[uuid.UUID]*batchRun),
		queue:       queue,
		items:       items,
		batches:     batches,
		broadcaster: broadcaster,
		logger:      logger.With("component", "batch_controller"),
	}
}

// StartBatch opens a new batch over the given external references, persists
// it atomically with its work items, and enqueues every item.
func (c *Controller) StartBatch(
	ctx context.Context,
	refs []string,
	schema []byte,
) (uuid.UUID, error) {
	if len(refs) == 0 {
		return uuid.Nil, ErrNoItems
	}

	batch, err := domain.NewBatch(len(refs), schema)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating batch: %w", err)
	}

	items := make([]*domain.WorkItem, 0, len(refs))
	for _, ref := range refs {
		item, err := domain.NewWorkItem(batch.ID, ref)
		if err != nil {
			return uuid.Nil, fmt.Errorf("creating work item for %q: %w", ref, err)
		}
		items = append(items, item)
	}

	if err := c.batches.CreateBatch(ctx, batch, items); err != nil {
		return uuid.Nil, fmt.Errorf("persisting batch: %w", err)
	}

	c.mu.Lock()
	c.active[batch.ID] = &batchRun{batch: batch, startedAt: time.Now().UTC()}
	c.mu.Unlock()

	for _, item := range items {
		if err := c.queue.Enqueue(item); err != nil {
			c.logger.Error("failed to enqueue item", "item_id", item.ID, "error", err)
		}
	}

	c.logger.Info("batch started", "batch_id", batch.ID, "total_count", batch.TotalCount)
	return batch.ID, nil
}

// PauseBatch pauses a running batch at the caller's request. In-flight
// items finish their current attempt; the in-memory backlog is dropped and
// reloaded from the store on resume. Pausing an already-paused batch is a
// no-op.
func (c *Controller) PauseBatch(ctx context.Context, batchID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pauseLocked(ctx, batchID, PauseReasonRequested)
}

// ResumeBatch re-opens a paused batch: items still pending, plus items that
// failed only because of the quota pause, are reset and re-enqueued. Items
// that exhausted their own retry budget or were not found stay failed;
// reviving those takes the explicit RetryFailedItems action. Resuming a
// running batch is a no-op.
func (c *Controller) ResumeBatch(ctx context.Context, batchID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.runLocked(ctx, batchID)
	if err != nil {
		return err
	}

	switch run.batch.State {
	case domain.BatchStateRunning:
		return nil
	case domain.BatchStateCompleted:
		return ErrBatchFinished
	}

	// Quota-paused failures are eligible for automatic retry; everything
	// else failed on its own merits and stays failed.
	failed, err := c.items.ListByBatchAndStates(ctx, batchID, domain.ItemStateFailed)
	if err != nil {
		return fmt.Errorf("loading failed items: %w", err)
	}

	eligible := make([]uuid.UUID, 0, len(failed))
	for _, item := range failed {
		if item.LastError != nil && item.LastError.Class == domain.ErrorClassQuotaExceeded {
			eligible = append(eligible, item.ID)
		}
	}

	if len(eligible) > 0 {
		if err := c.items.ResetItems(ctx, eligible, true); err != nil {
			return fmt.Errorf("resetting quota-failed items: %w", err)
		}
		run.batch.FailedCount -= len(eligible)
	}

	pending, err := c.items.ListByBatchAndStates(ctx, batchID, domain.ItemStatePending)
	if err != nil {
		return fmt.Errorf("loading pending items: %w", err)
	}

	if err := run.batch.Transition(domain.BatchStateRunning); err != nil {
		return fmt.Errorf("resuming batch %s: %w", batchID, err)
	}
	run.batch.PauseReason = ""

	if err := c.batches.UpdateBatch(ctx, run.batch); err != nil {
		return fmt.Errorf("persisting batch: %w", err)
	}

	for _, item := range pending {
		if err := c.queue.Enqueue(item); err != nil {
			c.logger.Error("failed to enqueue item on resume", "item_id", item.ID, "error", err)
		}
	}

	c.publish(ctx, events.NewEvent(events.KindBatchResumed, batchID))
	c.logger.Info("batch resumed",
		"batch_id", batchID,
		"requeued", len(pending),
		"quota_failed_revived", len(eligible))
	return nil
}

// CancelBatch forces a batch to failed. In-flight workers finish their
// current item; nothing further is dequeued for this batch.
func (c *Controller) CancelBatch(ctx context.Context, batchID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.runLocked(ctx, batchID)
	if err != nil {
		return err
	}

	if run.batch.State == domain.BatchStateCompleted || run.batch.State == domain.BatchStateFailed {
		return ErrBatchFinished
	}

	c.queue.DropBatch(batchID)

	if err := run.batch.Transition(domain.BatchStateFailed); err != nil {
		return fmt.Errorf("cancelling batch %s: %w", batchID, err)
	}
	run.batch.PauseReason = cancelReason

	if err := c.batches.UpdateBatch(ctx, run.batch); err != nil {
		return fmt.Errorf("persisting batch: %w", err)
	}

	if run.inflight == 0 {
		delete(c.active, batchID)
	}

	event := events.NewEvent(events.KindBatchCancelled, batchID)
	event.Reason = cancelReason
	c.publish(ctx, event)

	c.logger.Info("batch cancelled", "batch_id", batchID)
	return nil
}

// RetryFailedItems re-enqueues every failed item of a batch with a fresh
// attempt budget, re-opening the batch if it had finished. This is the
// explicit path for reviving items whose failures Resume deliberately
// leaves alone.
func (c *Controller) RetryFailedItems(ctx context.Context, batchID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, err := c.runLocked(ctx, batchID)
	if err != nil {
		return err
	}

	failed, err := c.items.ListByBatchAndStates(ctx, batchID, domain.ItemStateFailed)
	if err != nil {
		return fmt.Errorf("loading failed items: %w", err)
	}
	if len(failed) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(failed))
	for _, item := range failed {
		ids = append(ids, item.ID)
	}

	if err := c.items.ResetItems(ctx, ids, true); err != nil {
		return fmt.Errorf("resetting failed items: %w", err)
	}

	run.batch.FailedCount -= len(failed)
	run.batch.Reopen()

	if err := c.batches.UpdateBatch(ctx, run.batch); err != nil {
		return fmt.Errorf("persisting batch: %w", err)
	}

	// Revived items jump ahead of whatever is still queued for this batch;
	// reverse iteration keeps their relative order at the front of the lane.
	for i := len(failed) - 1; i >= 0; i-- {
		item := failed[i]
		item.State = domain.ItemStatePending
		item.Attempt = 0
		item.LastError = nil
		if err := c.queue.Requeue(item); err != nil {
			c.logger.Error("failed to enqueue retried item", "item_id", item.ID, "error", err)
		}
	}

	c.publish(ctx, events.NewEvent(events.KindBatchResumed, batchID))
	c.logger.Info("failed items retried", "batch_id", batchID, "count", len(failed))
	return nil
}

// GetBatchStatus returns a snapshot of the batch's aggregate state.
func (c *Controller) GetBatchStatus(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	c.mu.Lock()
	if run, ok := c.active[batchID]; ok {
		snapshot := *run.batch
		c.mu.Unlock()
		return &snapshot, nil
	}
	c.mu.Unlock()

	return c.batches.GetBatch(ctx, batchID)
}

// Subscribe returns a stream of progress events for the batch and a cancel
// function that releases the subscription.
func (c *Controller) Subscribe(batchID uuid.UUID) (<-chan events.Event, func()) {
	return c.broadcaster.Subscribe(batchID)
}

// RecoverInterrupted is called once at startup, before workers run. Items
// left processing by a crashed run are reset to pending, and the backlog of
// every running batch is re-enqueued, so a restart never reprocesses
// completed work or strands an in-flight item.
func (c *Controller) RecoverInterrupted(ctx context.Context) error {
	running, err := c.batches.ListBatchesByState(ctx, domain.BatchStateRunning)
	if err != nil {
		return fmt.Errorf("listing interrupted batches: %w", err)
	}

	for _, batch := range running {
		if err := c.items.ResetProcessing(ctx, batch.ID); err != nil {
			return fmt.Errorf("resetting processing items for batch %s: %w", batch.ID, err)
		}

		pending, err := c.items.ListByBatchAndStates(ctx, batch.ID, domain.ItemStatePending)
		if err != nil {
			return fmt.Errorf("loading pending items for batch %s: %w", batch.ID, err)
		}

		c.mu.Lock()
		c.active[batch.ID] = &batchRun{batch: batch, startedAt: time.Now().UTC()}
		c.mu.Unlock()

		for _, item := range pending {
			if err := c.queue.Enqueue(item); err != nil {
				c.logger.Error("failed to enqueue recovered item", "item_id", item.ID, "error", err)
			}
		}

		c.logger.Info("recovered interrupted batch",
			"batch_id", batch.ID,
			"requeued", len(pending))
	}

	return nil
}

// shouldProcess reports whether a dequeued item of this batch should run.
// Items of paused or cancelled batches are silently dropped from memory;
// their durable state is still pending.
func (c *Controller) shouldProcess(batchID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.active[batchID]
	return ok && run.batch.State == domain.BatchStateRunning
}

// batchSchema returns the extraction schema the batch was opened with.
func (c *Controller) batchSchema(batchID uuid.UUID) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run, ok := c.active[batchID]; ok {
		return run.batch.Schema
	}
	return nil
}

// itemStarted marks the item processing and publishes ItemStarted. Called
// by a worker that holds exclusive delivery of the item.
func (c *Controller) itemStarted(ctx context.Context, item *domain.WorkItem) error {
	c.mu.Lock()
	run, ok := c.active[item.BatchID]
	if !ok || run.batch.State != domain.BatchStateRunning {
		c.mu.Unlock()
		return fmt.Errorf("batch %s is not running", item.BatchID)
	}
	run.inflight++
	c.mu.Unlock()

	if err := item.Transition(domain.ItemStateProcessing); err != nil {
		c.itemAbandoned(item.BatchID)
		return fmt.Errorf("item %s: %w", item.ID, err)
	}

	if err := c.items.MarkProcessing(ctx, item.ID, item.Attempt); err != nil {
		c.itemAbandoned(item.BatchID)
		return fmt.Errorf("marking item %s processing: %w", item.ID, err)
	}

	event := events.NewEvent(events.KindItemStarted, item.BatchID)
	event.ItemID = item.ID
	c.publish(ctx, event)
	return nil
}

// itemCompleted records a successful item and completes the batch when the
// backlog has drained.
func (c *Controller) itemCompleted(ctx context.Context, item *domain.WorkItem, summary string) {
	event := events.NewEvent(events.KindItemCompleted, item.BatchID)
	event.ItemID = item.ID
	event.ResultSummary = summary
	c.publish(ctx, event)

	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.active[item.BatchID]
	if !ok {
		return
	}

	run.inflight--
	run.batch.ProcessedCount++
	c.settleLocked(ctx, run)
}

// itemFailed records a terminally failed item; the batch keeps going and
// completes once every item has reached a terminal state.
func (c *Controller) itemFailed(
	ctx context.Context,
	item *domain.WorkItem,
	class domain.ErrorClass,
	reason string,
) {
	// Adapter errors can carry request URLs or credentials; scrub before
	// the reason is persisted and broadcast.
	reason = redact.String(reason)

	item.LastError = &domain.ItemError{Class: class, Message: reason}
	if err := c.items.SaveFailure(ctx, item.ID, item.Attempt, item.LastError); err != nil {
		c.logger.Error("failed to persist item failure", "item_id", item.ID, "error", err)
	}

	event := events.NewEvent(events.KindItemFailed, item.BatchID)
	event.ItemID = item.ID
	event.Reason = reason
	c.publish(ctx, event)

	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.active[item.BatchID]
	if !ok {
		return
	}

	run.inflight--
	run.batch.FailedCount++
	c.settleLocked(ctx, run)
}

// quotaExhausted handles a quota refusal surfaced by a worker: the item
// goes back to pending with its attempt budget intact and the whole batch
// pauses. Later refusals from parallel workers of an already-paused batch
// only hand their items back.
func (c *Controller) quotaExhausted(ctx context.Context, item *domain.WorkItem, reason string) {
	if err := c.items.ResetItems(ctx, []uuid.UUID{item.ID}, false); err != nil {
		c.logger.Error("failed to reset item after quota pause", "item_id", item.ID, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	run, ok := c.active[item.BatchID]
	if ok {
		run.inflight--
	}

	if err := c.pauseLocked(ctx, item.BatchID, reason); err != nil {
		c.logger.Error("failed to pause batch on quota signal",
			"batch_id", item.BatchID, "error", err)
	}
}

// itemInterrupted hands back an item whose run was cut short by shutdown.
// Its durable state returns to pending; no counter moves.
func (c *Controller) itemInterrupted(ctx context.Context, item *domain.WorkItem) {
	if err := c.items.ResetItems(ctx, []uuid.UUID{item.ID}, false); err != nil {
		c.logger.Error("failed to reset interrupted item", "item_id", item.ID, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if run, ok := c.active[item.BatchID]; ok {
		run.inflight--
	}
}

// itemAbandoned undoes the inflight reservation when itemStarted fails
// after it was taken.
func (c *Controller) itemAbandoned(batchID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if run, ok := c.active[batchID]; ok {
		run.inflight--
	}
}

// pauseLocked transitions a batch to paused and persists it.
// Caller must hold c.mu. No-op when the batch is already paused.
func (c *Controller) pauseLocked(ctx context.Context, batchID uuid.UUID, reason string) error {
	reason = redact.String(reason)

	run, err := c.runLocked(ctx, batchID)
	if err != nil {
		return err
	}

	switch run.batch.State {
	case domain.BatchStatePaused:
		return nil
	case domain.BatchStateCompleted, domain.BatchStateFailed:
		return ErrBatchFinished
	}

	dropped := c.queue.DropBatch(batchID)

	if err := run.batch.Transition(domain.BatchStatePaused); err != nil {
		return fmt.Errorf("pausing batch %s: %w", batchID, err)
	}
	run.batch.PauseReason = reason

	if err := c.batches.UpdateBatch(ctx, run.batch); err != nil {
		return fmt.Errorf("persisting batch: %w", err)
	}

	event := events.NewEvent(events.KindBatchPaused, batchID)
	event.Reason = reason
	c.publish(ctx, event)

	c.logger.Info("batch paused",
		"batch_id", batchID,
		"reason", reason,
		"backlog_dropped", dropped)
	return nil
}

// settleLocked checks whether the batch has drained and, if so, completes
// it. Caller must hold c.mu.
func (c *Controller) settleLocked(ctx context.Context, run *batchRun) {
	batch := run.batch

	if err := c.batches.UpdateBatch(ctx, batch); err != nil {
		c.logger.Error("failed to persist batch counters", "batch_id", batch.ID, "error", err)
	}

	// A cancelled batch lingers in memory only until its in-flight items
	// drain.
	if batch.State == domain.BatchStateFailed && run.inflight == 0 {
		delete(c.active, batch.ID)
		return
	}

	if batch.State != domain.BatchStateRunning || batch.PendingCount() > 0 || run.inflight > 0 {
		return
	}

	if err := batch.Transition(domain.BatchStateCompleted); err != nil {
		c.logger.Error("failed to complete batch", "batch_id", batch.ID, "error", err)
		return
	}

	if err := c.batches.UpdateBatch(ctx, batch); err != nil {
		c.logger.Error("failed to persist completed batch", "batch_id", batch.ID, "error", err)
	}

	delete(c.active, batch.ID)

	event := events.NewEvent(events.KindBatchCompleted, batch.ID)
	event.Processed = batch.ProcessedCount
	event.Failed = batch.FailedCount
	event.DurationMs = time.Since(run.startedAt).Milliseconds()
	c.publish(ctx, event)

	c.logger.Info("batch completed",
		"batch_id", batch.ID,
		"processed", batch.ProcessedCount,
		"failed", batch.FailedCount,
		"duration_ms", event.DurationMs)
}

// runLocked returns the in-memory run for a batch, loading it from the
// store when the batch is not resident (e.g. after a restart).
// Caller must hold c.mu.
func (c *Controller) runLocked(ctx context.Context, batchID uuid.UUID) (*batchRun, error) {
	if run, ok := c.active[batchID]; ok {
		return run, nil
	}

	batch, err := c.batches.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	run := &batchRun{batch: batch, startedAt: time.Now().UTC()}
	c.active[batchID] = run
	return run, nil
}

func (c *Controller) publish(ctx context.Context, event events.Event) {
	c.broadcaster.Publish(ctx, event)
}
