package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the progress event union.
type Kind string

// Possible event kinds.
const (
	KindItemStarted    Kind = "item_started"
	KindItemCompleted  Kind = "item_completed"
	KindItemFailed     Kind = "item_failed"
	KindBatchPaused    Kind = "batch_paused"
	KindBatchResumed   Kind = "batch_resumed"
	KindBatchCompleted Kind = "batch_completed"
	KindBatchCancelled Kind = "batch_cancelled"
)

// Event is one lifecycle notification for a batch. Item-scoped kinds carry
// ItemID; batch-scoped kinds leave it nil. Only the fields relevant to the
// kind are populated.
type Event struct {
	// ID is a unique identifier for this event instance.
	ID uuid.UUID `json:"id"`

	// Kind discriminates which lifecycle transition this event reports.
	Kind Kind `json:"kind"`

	// BatchID identifies the batch this event belongs to.
	BatchID uuid.UUID `json:"batch_id"`

	// ItemID identifies the work item for item-scoped kinds.
	ItemID uuid.UUID `json:"item_id,omitempty"`

	// ResultSummary is a short human-readable description of a completed
	// item's result, e.g. the extracted title.
	ResultSummary string `json:"result_summary,omitempty"`

	// Reason carries the failure or pause reason for ItemFailed and
	// BatchPaused events.
	Reason string `json:"reason,omitempty"`

	// Processed and Failed carry the final counters on BatchCompleted.
	Processed int `json:"processed,omitempty"`
	Failed    int `json:"failed,omitempty"`

	// DurationMs is the batch wall-clock duration on BatchCompleted.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// CreatedAt is the timestamp when the event was created.
	CreatedAt time.Time `json:"created_at"`
}

// NewEvent creates an event of the given kind for a batch, stamping ID and
// CreatedAt. Callers fill kind-specific fields on the returned value.
func NewEvent(kind Kind, batchID uuid.UUID) Event {
	return Event{
		ID:        uuid.New(),
		Kind:      kind,
		BatchID:   batchID,
		CreatedAt: time.Now().UTC(),
	}
}
