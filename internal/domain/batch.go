package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// BatchState represents the lifecycle state of a processing run.
type BatchState string

// Possible batch state values.
const (
	BatchStateRunning   BatchState = "running"
	BatchStatePaused    BatchState = "paused"
	BatchStateCompleted BatchState = "completed"
	BatchStateFailed    BatchState = "failed"
)

// Common validation errors for Batch.
var (
	ErrEmptyBatchID      = errors.New("batch ID cannot be empty")
	ErrEmptyBatchItems   = errors.New("batch must contain at least one item")
	ErrInvalidBatchState = errors.New("invalid batch state")
	ErrBatchTransition   = errors.New("invalid batch state transition")
	ErrNegativeCount     = errors.New("batch counters cannot be negative")
	ErrCountOverflow     = errors.New("batch counters exceed total count")
)

// Batch is one processing run over a set of work items. The aggregate
// counters are owned exclusively by the batch controller; workers never
// mutate them directly.
type Batch struct {
	ID             uuid.UUID       `json:"id"`
	TotalCount     int             `json:"total_count"`
	ProcessedCount int             `json:"processed_count"`
	FailedCount    int             `json:"failed_count"`
	State          BatchState      `json:"state"`
	PauseReason    string          `json:"pause_reason,omitempty"`
	Schema         json.RawMessage `json:"schema,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewBatch creates a running Batch expecting totalCount items, carrying the
// caller-supplied extraction schema. Returns an error if validation fails.
func NewBatch(totalCount int, schema json.RawMessage) (*Batch, error) {
	batch := &Batch{
		ID:         uuid.New(),
		TotalCount: totalCount,
		State:      BatchStateRunning,
		Schema:     schema,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}

	return batch, nil
}

// Validate checks if the Batch has valid data and consistent counters.
func (b *Batch) Validate() error {
	if b.ID == uuid.Nil {
		return ErrEmptyBatchID
	}

	if b.TotalCount <= 0 {
		return ErrEmptyBatchItems
	}

	if b.ProcessedCount < 0 || b.FailedCount < 0 {
		return ErrNegativeCount
	}

	if b.ProcessedCount+b.FailedCount > b.TotalCount {
		return ErrCountOverflow
	}

	if !isValidBatchState(b.State) {
		return ErrInvalidBatchState
	}

	return nil
}

// PendingCount derives the number of items not yet in a terminal state, so
// that processed + failed + pending always equals total.
func (b *Batch) PendingCount() int {
	return b.TotalCount - b.ProcessedCount - b.FailedCount
}

// CanTransition reports whether moving to the target state is legal.
// Running -> Paused happens only on quota exhaustion, Paused -> Running on
// explicit resume, Running -> Completed when the backlog drains, and Failed
// is reachable only through explicit cancellation. Failed -> Running is the
// explicit re-open path.
func (b *Batch) CanTransition(target BatchState) bool {
	switch b.State {
	case BatchStateRunning:
		return target == BatchStatePaused || target == BatchStateCompleted || target == BatchStateFailed
	case BatchStatePaused:
		return target == BatchStateRunning || target == BatchStateFailed
	case BatchStateFailed:
		return target == BatchStateRunning
	case BatchStateCompleted:
		return false
	default:
		return false
	}
}

// Transition moves the batch to the target state, updating UpdatedAt.
// Returns ErrBatchTransition if the move is not legal.
func (b *Batch) Transition(target BatchState) error {
	if !b.CanTransition(target) {
		return ErrBatchTransition
	}

	b.State = target
	b.UpdatedAt = time.Now().UTC()
	return nil
}

// Reopen forces the batch back to running as part of an explicit
// user-driven retry action. Unlike Transition it may leave Completed or
// Failed, because retrying failed items deliberately re-opens a finished
// run. Running batches are left untouched.
func (b *Batch) Reopen() {
	if b.State == BatchStateRunning {
		return
	}
	b.State = BatchStateRunning
	b.PauseReason = ""
	b.UpdatedAt = time.Now().UTC()
}

func isValidBatchState(state BatchState) bool {
	switch state {
	case BatchStateRunning, BatchStatePaused, BatchStateCompleted, BatchStateFailed:
		return true
	default:
		return false
	}
}
