package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ItemState represents the processing state of a work item.
type ItemState string

// Possible item state values.
const (
	ItemStatePending    ItemState = "pending"
	ItemStateProcessing ItemState = "processing"
	ItemStateCompleted  ItemState = "completed"
	ItemStateFailed     ItemState = "failed"
)

// Common validation errors for WorkItem.
var (
	ErrEmptyItemID      = errors.New("item ID cannot be empty")
	ErrEmptyItemBatchID = errors.New("item batch ID cannot be empty")
	ErrEmptyExternalRef = errors.New("external reference cannot be empty")
	ErrInvalidItemState = errors.New("invalid item state")
	ErrItemTransition   = errors.New("invalid item state transition")
)

// ItemError is the persisted, human-inspectable record of why an item
// failed. Message is a plain reason string, never a stack trace.
type ItemError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

// VideoMetadata is the partial enrichment result produced by the metadata
// service. It is persisted as soon as the metadata stage succeeds so partial
// progress survives a later extraction failure.
type VideoMetadata struct {
	Title           string `json:"title"`
	Author          string `json:"author"`
	DurationSeconds int    `json:"duration_seconds"`
}

// WorkItem is one unit of enrichment work: a single external content
// reference plus its processing progress and results.
type WorkItem struct {
	ID          uuid.UUID       `json:"id"`
	BatchID     uuid.UUID       `json:"batch_id"`
	ExternalRef string          `json:"external_ref"`
	State       ItemState       `json:"state"`
	Attempt     int             `json:"attempt"`
	LastError   *ItemError      `json:"last_error,omitempty"`
	Metadata    *VideoMetadata  `json:"metadata,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewWorkItem creates a pending WorkItem for the given batch and external
// reference. Returns an error if validation fails.
func NewWorkItem(batchID uuid.UUID, externalRef string) (*WorkItem, error) {
	item := &WorkItem{
		ID:          uuid.New(),
		BatchID:     batchID,
		ExternalRef: externalRef,
		State:       ItemStatePending,
		Attempt:     0,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if err := item.Validate(); err != nil {
		return nil, err
	}

	return item, nil
}

// Validate checks if the WorkItem has valid data.
func (i *WorkItem) Validate() error {
	if i.ID == uuid.Nil {
		return ErrEmptyItemID
	}

	if i.BatchID == uuid.Nil {
		return ErrEmptyItemBatchID
	}

	if i.ExternalRef == "" {
		return ErrEmptyExternalRef
	}

	if !isValidItemState(i.State) {
		return ErrInvalidItemState
	}

	return nil
}

// CanTransition reports whether moving from the item's current state to the
// target state is legal. Items only move Pending -> Processing ->
// {Completed|Failed}; Failed -> Pending is reserved for explicit resume or
// retry actions.
func (i *WorkItem) CanTransition(target ItemState) bool {
	switch i.State {
	case ItemStatePending:
		return target == ItemStateProcessing
	case ItemStateProcessing:
		return target == ItemStateCompleted || target == ItemStateFailed || target == ItemStatePending
	case ItemStateFailed:
		return target == ItemStatePending
	case ItemStateCompleted:
		return false
	default:
		return false
	}
}

// Transition moves the item to the target state, updating UpdatedAt.
// Returns ErrItemTransition if the move is not legal.
func (i *WorkItem) Transition(target ItemState) error {
	if !i.CanTransition(target) {
		return ErrItemTransition
	}

	i.State = target
	i.UpdatedAt = time.Now().UTC()
	return nil
}

func isValidItemState(state ItemState) bool {
	switch state {
	case ItemStatePending, ItemStateProcessing, ItemStateCompleted, ItemStateFailed:
		return true
	default:
		return false
	}
}
