package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/platform/logger"
	"github.com/phrazzld/reel-api/internal/store"
)

// PostgresBatchStore implements the store.BatchStore interface using
// PostgreSQL. It holds a *sql.DB (not just a DBTX) because CreateBatch opens
// its own transaction to persist a batch atomically with its items.
type PostgresBatchStore struct {
	db *sql.DB
}

// NewPostgresBatchStore creates a new PostgresBatchStore.
func NewPostgresBatchStore(db *sql.DB) *PostgresBatchStore {
	return &PostgresBatchStore{
		db: db,
	}
}

const batchColumns = `
	id, total_count, processed_count, failed_count,
	state, pause_reason, schema, created_at, updated_at
`

// CreateBatch persists a batch together with all its work items in a single
// transaction, so a batch can never exist half-opened.
func (s *PostgresBatchStore) CreateBatch(
	ctx context.Context,
	batch *domain.Batch,
	items []*domain.WorkItem,
) error {
	log := logger.FromContext(ctx)

	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		query := `
			INSERT INTO batches (` + batchColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`

		_, err := tx.ExecContext(ctx, query,
			batch.ID,
			batch.TotalCount,
			batch.ProcessedCount,
			batch.FailedCount,
			string(batch.State),
			batch.PauseReason,
			[]byte(batch.Schema),
			batch.CreatedAt,
			batch.UpdatedAt,
		)
		if err != nil {
			log.Error("failed to insert batch", "batch_id", batch.ID, "error", err)
			return fmt.Errorf("failed to insert batch: %w", MapError(err))
		}

		itemQuery := `
			INSERT INTO work_items (id, batch_id, external_ref, state, attempt, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		for _, item := range items {
			_, err := tx.ExecContext(ctx, itemQuery,
				item.ID,
				item.BatchID,
				item.ExternalRef,
				string(item.State),
				item.Attempt,
				item.CreatedAt,
				item.UpdatedAt,
			)
			if err != nil {
				log.Error("failed to insert work item",
					"batch_id", batch.ID,
					"item_id", item.ID,
					"error", err)
				return fmt.Errorf("failed to insert work item: %w", MapError(err))
			}
		}

		return nil
	})
}

// GetBatch retrieves a batch by its ID.
func (s *PostgresBatchStore) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE id = $1
	`

	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(MapError(err)) {
			return nil, store.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get batch: %w", MapError(err))
	}

	return batch, nil
}

// UpdateBatch persists the batch's counters, state and pause reason.
func (s *PostgresBatchStore) UpdateBatch(ctx context.Context, batch *domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		UPDATE batches
		SET processed_count = $1, failed_count = $2, state = $3,
		    pause_reason = $4, updated_at = $5
		WHERE id = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		batch.ProcessedCount,
		batch.FailedCount,
		string(batch.State),
		batch.PauseReason,
		time.Now().UTC(),
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", MapError(err))
	}

	if err := CheckRowsAffected(result, "batch"); err != nil {
		return store.ErrBatchNotFound
	}
	return nil
}

// ListBatchesByState retrieves all batches in the given states, ordered by
// creation time.
func (s *PostgresBatchStore) ListBatchesByState(
	ctx context.Context,
	states ...domain.BatchState,
) ([]*domain.Batch, error) {
	log := logger.FromContext(ctx)

	if len(states) == 0 {
		return nil, nil
	}

	placeholders := make([]string, 0, len(states))
	args := make([]interface{}, 0, len(states))
	for i, state := range states {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, string(state))
	}

	query := `
		SELECT ` + batchColumns + `
		FROM batches
		WHERE state IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query batches by state", "error", err)
		return nil, fmt.Errorf("failed to query batches by state: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var batches []*domain.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			log.Error("failed to scan batch row", "error", err)
			return nil, fmt.Errorf("failed to scan batch row: %w", err)
		}
		batches = append(batches, batch)
	}

	if err := rows.Err(); err != nil {
		log.Error("error iterating batch rows", "error", err)
		return nil, fmt.Errorf("error iterating batch rows: %w", err)
	}

	return batches, nil
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var (
		batch       domain.Batch
		state       string
		pauseReason sql.NullString
		schema      []byte
	)

	err := row.Scan(
		&batch.ID,
		&batch.TotalCount,
		&batch.ProcessedCount,
		&batch.FailedCount,
		&state,
		&pauseReason,
		&schema,
		&batch.CreatedAt,
		&batch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	batch.State = domain.BatchState(state)
	batch.PauseReason = pauseReason.String
	if len(schema) > 0 {
		batch.Schema = schema
	}

	return &batch, nil
}

// Interface compliance check.
var _ store.BatchStore = (*PostgresBatchStore)(nil)
