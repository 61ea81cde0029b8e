package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/phrazzld/reel-api/internal/domain"
)

// ItemStore defines the interface for persisting work items. The pipeline
// assumes every call is durable and individually atomic.
type ItemStore interface {
	// GetItem retrieves a work item by its ID.
	// Returns ErrItemNotFound if the item does not exist.
	GetItem(ctx context.Context, id uuid.UUID) (*domain.WorkItem, error)

	// ListByBatchAndStates retrieves all items of a batch whose state is in
	// the given set, ordered by creation time. An empty state set returns
	// every item of the batch.
	ListByBatchAndStates(
		ctx context.Context,
		batchID uuid.UUID,
		states ...domain.ItemState,
	) ([]*domain.WorkItem, error)

	// MarkProcessing transitions an item to processing and records the
	// attempt count of the run that is about to start.
	MarkProcessing(ctx context.Context, id uuid.UUID, attempt int) error

	// SavePartialResult persists the metadata-stage result without changing
	// the item's state, so partial progress is never lost.
	SavePartialResult(ctx context.Context, id uuid.UUID, meta *domain.VideoMetadata) error

	// SaveResult persists the final enrichment payload and transitions the
	// item to completed, recording the final attempt count.
	SaveResult(ctx context.Context, id uuid.UUID, attempt int, result json.RawMessage) error

	// SaveFailure transitions the item to failed, recording the attempt
	// count and the classified reason.
	SaveFailure(ctx context.Context, id uuid.UUID, attempt int, itemErr *domain.ItemError) error

	// ResetItems moves the given items back to pending, clearing their
	// last error. Attempt counts are reset only when resetAttempts is true
	// (the explicit retry-failed-items action); the quota-pause resume path
	// preserves them.
	ResetItems(ctx context.Context, ids []uuid.UUID, resetAttempts bool) error

	// ResetProcessing moves every processing item of a batch back to
	// pending. Used on startup recovery after a crash and when a batch is
	// paused with items still in flight.
	ResetProcessing(ctx context.Context, batchID uuid.UUID) error

	// WithTx returns an ItemStore bound to the provided transaction.
	WithTx(tx *sql.Tx) ItemStore
}

// BatchStore defines the interface for persisting batch aggregate state.
type BatchStore interface {
	// CreateBatch persists a batch and its work items in a single
	// transaction, so a batch can never exist half-opened.
	CreateBatch(ctx context.Context, batch *domain.Batch, items []*domain.WorkItem) error

	// GetBatch retrieves a batch by its ID.
	// Returns ErrBatchNotFound if the batch does not exist.
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)

	// UpdateBatch persists the batch's counters, state and pause reason.
	UpdateBatch(ctx context.Context, batch *domain.Batch) error

	// ListBatchesByState retrieves all batches whose state is in the given
	// set, ordered by creation time. Used by startup recovery to find runs
	// interrupted by a restart.
	ListBatchesByState(ctx context.Context, states ...domain.BatchState) ([]*domain.Batch, error)
}
