package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/store"
)

// memStore is an in-memory ItemStore + BatchStore used across the package
// tests. It records counter-invariant violations seen through UpdateBatch
// so tests can assert the processed+failed+pending==total property held at
// every persisted snapshot.
type memStore struct {
	mu         sync.Mutex
	batches    map[uuid.UUID]*domain.Batch
	items      map[uuid.UUID]*domain.WorkItem
	itemOrder  map[uuid.UUID][]uuid.UUID
	violations []string
}

func newMemStore() *memStore {
	return &memStore{
		batches:   make(map[uuid.UUID]*domain.Batch),
		items:     make(map[uuid.UUID]*domain.WorkItem),
		itemOrder: make(map[uuid.UUID][]uuid.UUID),
	}
}

func (s *memStore) CreateBatch(
	_ context.Context,
	batch *domain.Batch,
	items []*domain.WorkItem,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *batch
	s.batches[batch.ID] = &copied
	for _, item := range items {
		itemCopy := *item
		s.items[item.ID] = &itemCopy
		s.itemOrder[batch.ID] = append(s.itemOrder[batch.ID], item.ID)
	}
	return nil
}

func (s *memStore) GetBatch(_ context.Context, id uuid.UUID) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	copied := *batch
	return &copied, nil
}

func (s *memStore) UpdateBatch(_ context.Context, batch *domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.ProcessedCount < 0 || batch.FailedCount < 0 ||
		batch.ProcessedCount+batch.FailedCount > batch.TotalCount {
		s.violations = append(s.violations, fmt.Sprintf(
			"batch %s counters out of range: processed=%d failed=%d total=%d",
			batch.ID, batch.ProcessedCount, batch.FailedCount, batch.TotalCount))
	}

	copied := *batch
	s.batches[batch.ID] = &copied
	return nil
}

func (s *memStore) ListBatchesByState(
	_ context.Context,
	states ...domain.BatchState,
) ([]*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.Batch
	for _, batch := range s.batches {
		for _, state := range states {
			if batch.State == state {
				copied := *batch
				result = append(result, &copied)
				break
			}
		}
	}
	return result, nil
}

func (s *memStore) GetItem(_ context.Context, id uuid.UUID) (*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, store.ErrItemNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *memStore) ListByBatchAndStates(
	_ context.Context,
	batchID uuid.UUID,
	states ...domain.ItemState,
) ([]*domain.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.WorkItem
	for _, id := range s.itemOrder[batchID] {
		item := s.items[id]
		if len(states) == 0 {
			copied := *item
			result = append(result, &copied)
			continue
		}
		for _, state := range states {
			if item.State == state {
				copied := *item
				result = append(result, &copied)
				break
			}
		}
	}
	return result, nil
}

func (s *memStore) MarkProcessing(_ context.Context, id uuid.UUID, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return store.ErrItemNotFound
	}
	item.State = domain.ItemStateProcessing
	item.Attempt = attempt
	return nil
}

func (s *memStore) SavePartialResult(
	_ context.Context,
	id uuid.UUID,
	meta *domain.VideoMetadata,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return store.ErrItemNotFound
	}
	metaCopy := *meta
	item.Metadata = &metaCopy
	return nil
}

func (s *memStore) SaveResult(
	_ context.Context,
	id uuid.UUID,
	attempt int,
	result json.RawMessage,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return store.ErrItemNotFound
	}
	item.State = domain.ItemStateCompleted
	item.Attempt = attempt
	item.Result = result
	item.LastError = nil
	return nil
}

func (s *memStore) SaveFailure(
	_ context.Context,
	id uuid.UUID,
	attempt int,
	itemErr *domain.ItemError,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return store.ErrItemNotFound
	}
	item.State = domain.ItemStateFailed
	item.Attempt = attempt
	errCopy := *itemErr
	item.LastError = &errCopy
	return nil
}

func (s *memStore) ResetItems(_ context.Context, ids []uuid.UUID, resetAttempts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		item, ok := s.items[id]
		if !ok {
			return store.ErrItemNotFound
		}
		item.State = domain.ItemStatePending
		item.LastError = nil
		if resetAttempts {
			item.Attempt = 0
		}
	}
	return nil
}

func (s *memStore) ResetProcessing(_ context.Context, batchID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.itemOrder[batchID] {
		if s.items[id].State == domain.ItemStateProcessing {
			s.items[id].State = domain.ItemStatePending
		}
	}
	return nil
}

func (s *memStore) WithTx(_ *sql.Tx) store.ItemStore {
	return s
}

func (s *memStore) itemByRef(ref string) *domain.WorkItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.ExternalRef == ref {
			copied := *item
			return &copied
		}
	}
	return nil
}

// Interface compliance.
var (
	_ store.ItemStore  = (*memStore)(nil)
	_ store.BatchStore = (*memStore)(nil)
)

// fakeFetcher is a scriptable MetadataFetcher. It tracks per-reference
// concurrency so tests can assert no item is processed by two workers at
// once.
type fakeFetcher struct {
	mu            sync.Mutex
	fn            func(ref string) (*domain.VideoMetadata, error)
	calls         map[string]int
	inFlight      map[string]int
	maxConcurrent map[string]int
}

func newFakeFetcher(fn func(ref string) (*domain.VideoMetadata, error)) *fakeFetcher {
	return &fakeFetcher{
		fn:            fn,
		calls:         make(map[string]int),
		inFlight:      make(map[string]int),
		maxConcurrent: make(map[string]int),
	}
}

func okMetadata(ref string) (*domain.VideoMetadata, error) {
	return &domain.VideoMetadata{
		Title:           "title of " + ref,
		Author:          "author",
		DurationSeconds: 90,
	}, nil
}

func (f *fakeFetcher) Fetch(_ context.Context, ref string) (*domain.VideoMetadata, error) {
	f.mu.Lock()
	f.calls[ref]++
	f.inFlight[ref]++
	if f.inFlight[ref] > f.maxConcurrent[ref] {
		f.maxConcurrent[ref] = f.inFlight[ref]
	}
	fn := f.fn
	f.mu.Unlock()

	meta, err := fn(ref)

	f.mu.Lock()
	f.inFlight[ref]--
	f.mu.Unlock()

	return meta, err
}

func (f *fakeFetcher) callCount(ref string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ref]
}

func (f *fakeFetcher) set(fn func(ref string) (*domain.VideoMetadata, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

// fakeExtractor is a scriptable Extractor.
type fakeExtractor struct {
	mu    sync.Mutex
	fn    func(meta *domain.VideoMetadata) (json.RawMessage, error)
	calls int
}

func newFakeExtractor(fn func(meta *domain.VideoMetadata) (json.RawMessage, error)) *fakeExtractor {
	return &fakeExtractor{fn: fn}
}

func okExtraction(meta *domain.VideoMetadata) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]string{"summary": "notes on " + meta.Title})
	return payload, err
}

func (e *fakeExtractor) Extract(
	_ context.Context,
	meta *domain.VideoMetadata,
	_ json.RawMessage,
) (json.RawMessage, error) {
	e.mu.Lock()
	e.calls++
	fn := e.fn
	e.mu.Unlock()

	return fn(meta)
}

func (e *fakeExtractor) set(fn func(meta *domain.VideoMetadata) (json.RawMessage, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fn = fn
}
