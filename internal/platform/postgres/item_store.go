package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/platform/logger"
	"github.com/phrazzld/reel-api/internal/store"
)

// PostgresItemStore implements the store.ItemStore interface using PostgreSQL.
type PostgresItemStore struct {
	db store.DBTX
}

// NewPostgresItemStore creates a new PostgresItemStore.
func NewPostgresItemStore(db store.DBTX) *PostgresItemStore {
	return &PostgresItemStore{
		db: db,
	}
}

// WithTx returns a new ItemStore bound to the provided transaction.
func (s *PostgresItemStore) WithTx(tx *sql.Tx) store.ItemStore {
	return &PostgresItemStore{db: tx}
}

const itemColumns = `
	id, batch_id, external_ref, state, attempt,
	error_class, error_message, metadata, result,
	created_at, updated_at
`

// GetItem retrieves a work item by its ID.
func (s *PostgresItemStore) GetItem(ctx context.Context, id uuid.UUID) (*domain.WorkItem, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT ` + itemColumns + `
		FROM work_items
		WHERE id = $1
	`

	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, store.ErrItemNotFound
		}
		log.Error("failed to get work item", "item_id", id, "error", err)
		return nil, fmt.Errorf("failed to get work item: %w", MapError(err))
	}

	return item, nil
}

// ListByBatchAndStates retrieves all items of a batch in the given states,
// ordered by creation time. An empty state set returns every item.
func (s *PostgresItemStore) ListByBatchAndStates(
	ctx context.Context,
	batchID uuid.UUID,
	states ...domain.ItemState,
) ([]*domain.WorkItem, error) {
	log := logger.FromContext(ctx)

	query := `
		SELECT ` + itemColumns + `
		FROM work_items
		WHERE batch_id = $1
	`
	args := []interface{}{batchID}

	if len(states) > 0 {
		placeholders := make([]string, 0, len(states))
		for i, state := range states {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
			args = append(args, string(state))
		}
		query += fmt.Sprintf(" AND state IN (%s)", strings.Join(placeholders, ", "))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query work items", "batch_id", batchID, "error", err)
		return nil, fmt.Errorf("failed to query work items: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var items []*domain.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			log.Error("failed to scan work item row", "batch_id", batchID, "error", err)
			return nil, fmt.Errorf("failed to scan work item row: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		log.Error("error iterating work item rows", "batch_id", batchID, "error", err)
		return nil, fmt.Errorf("error iterating work item rows: %w", err)
	}

	return items, nil
}

// MarkProcessing transitions an item to processing and records the attempt
// count of the run about to start.
func (s *PostgresItemStore) MarkProcessing(ctx context.Context, id uuid.UUID, attempt int) error {
	query := `
		UPDATE work_items
		SET state = $1, attempt = $2, updated_at = $3
		WHERE id = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.ItemStateProcessing),
		attempt,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark item processing: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "work item"); err != nil {
		return store.ErrItemNotFound
	}
	return nil
}

// SavePartialResult persists the metadata-stage result without changing the
// item's state.
func (s *PostgresItemStore) SavePartialResult(
	ctx context.Context,
	id uuid.UUID,
	meta *domain.VideoMetadata,
) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		UPDATE work_items
		SET metadata = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := s.db.ExecContext(ctx, query, payload, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to save partial result: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "work item"); err != nil {
		return store.ErrItemNotFound
	}
	return nil
}

// SaveResult persists the final enrichment payload and transitions the item
// to completed.
func (s *PostgresItemStore) SaveResult(
	ctx context.Context,
	id uuid.UUID,
	attempt int,
	resultPayload json.RawMessage,
) error {
	query := `
		UPDATE work_items
		SET state = $1, attempt = $2, result = $3,
		    error_class = NULL, error_message = NULL, updated_at = $4
		WHERE id = $5
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.ItemStateCompleted),
		attempt,
		[]byte(resultPayload),
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to save item result: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "work item"); err != nil {
		return store.ErrItemNotFound
	}
	return nil
}

// SaveFailure transitions the item to failed, recording the attempt count
// and the classified reason.
func (s *PostgresItemStore) SaveFailure(
	ctx context.Context,
	id uuid.UUID,
	attempt int,
	itemErr *domain.ItemError,
) error {
	query := `
		UPDATE work_items
		SET state = $1, attempt = $2, error_class = $3, error_message = $4, updated_at = $5
		WHERE id = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.ItemStateFailed),
		attempt,
		string(itemErr.Class),
		itemErr.Message,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to save item failure: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "work item"); err != nil {
		return store.ErrItemNotFound
	}
	return nil
}

// ResetItems moves the given items back to pending, clearing their last
// error. Attempt counts are reset only when resetAttempts is true.
func (s *PostgresItemStore) ResetItems(
	ctx context.Context,
	ids []uuid.UUID,
	resetAttempts bool,
) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE work_items
		SET state = $1, error_class = NULL, error_message = NULL, updated_at = $2
	`
	if resetAttempts {
		query += ", attempt = 0"
	}
	query += " WHERE id = ANY($3::uuid[])"

	// The stdlib driver does not accept []uuid.UUID directly.
	idStrings := make([]string, 0, len(ids))
	for _, id := range ids {
		idStrings = append(idStrings, id.String())
	}

	_, err := s.db.ExecContext(ctx, query,
		string(domain.ItemStatePending),
		time.Now().UTC(),
		idStrings,
	)
	if err != nil {
		return fmt.Errorf("failed to reset items: %w", MapError(err))
	}
	return nil
}

// ResetProcessing moves every processing item of a batch back to pending.
func (s *PostgresItemStore) ResetProcessing(ctx context.Context, batchID uuid.UUID) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE work_items
		SET state = $1, updated_at = $2
		WHERE batch_id = $3 AND state = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		string(domain.ItemStatePending),
		time.Now().UTC(),
		batchID,
		string(domain.ItemStateProcessing),
	)
	if err != nil {
		return fmt.Errorf("failed to reset processing items: %w", MapError(err))
	}

	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		log.Info("reset interrupted items to pending",
			"batch_id", batchID,
			"count", affected)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanItem.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanItem(row rowScanner) (*domain.WorkItem, error) {
	var (
		item         domain.WorkItem
		state        string
		errorClass   sql.NullString
		errorMessage sql.NullString
		metadata     []byte
		result       []byte
	)

	err := row.Scan(
		&item.ID,
		&item.BatchID,
		&item.ExternalRef,
		&state,
		&item.Attempt,
		&errorClass,
		&errorMessage,
		&metadata,
		&result,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.State = domain.ItemState(state)
	if errorClass.Valid {
		item.LastError = &domain.ItemError{
			Class:   domain.ErrorClass(errorClass.String),
			Message: errorMessage.String,
		}
	}
	if len(metadata) > 0 {
		var meta domain.VideoMetadata
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item metadata: %w", err)
		}
		item.Metadata = &meta
	}
	if len(result) > 0 {
		item.Result = json.RawMessage(result)
	}

	return &item, nil
}

// Interface compliance check.
var _ store.ItemStore = (*PostgresItemStore)(nil)
