package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/phrazzld/reel-api/internal/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoItemProcessedByTwoWorkers(t *testing.T) {
	env := newTestEnv(t, envOptions{workers: 4})

	refs := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		refs = append(refs, fmt.Sprintf("vid-%02d", i))
	}

	batchID, err := env.ctrl.StartBatch(context.Background(), refs, nil)
	require.NoError(t, err)

	batch := env.waitForBatchState(t, batchID, domain.BatchStateCompleted)
	assert.Equal(t, 20, batch.ProcessedCount)

	env.fetcher.mu.Lock()
	defer env.fetcher.mu.Unlock()
	for _, ref := range refs {
		assert.Equal(t, 1, env.fetcher.calls[ref], "item %s fetched more than once", ref)
		assert.LessOrEqual(t, env.fetcher.maxConcurrent[ref], 1,
			"item %s held by two workers at once", ref)
	}
}

func TestStopCutsBackoffShortAndHandsItemBack(t *testing.T) {
	policy := fixedJitterPolicy()
	policy.BaseBackoff = time.Minute
	env := newTestEnv(t, envOptions{workers: 1, policy: &policy, realSleep: true})

	attempted := make(chan struct{}, 8)
	env.fetcher.set(func(ref string) (*domain.VideoMetadata, error) {
		attempted <- struct{}{}
		return nil, domain.NewTransientError(errors.New("upstream unavailable"))
	})

	batchID, err := env.ctrl.StartBatch(context.Background(), []string{"vid-1"}, nil)
	require.NoError(t, err)

	// Wait for the first failed attempt; the worker now sits in a
	// minute-long backoff that only shutdown can cut short.
	select {
	case <-attempted:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never attempted the item")
	}

	stopped := make(chan struct{})
	go func() {
		env.pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a worker was in backoff")
	}

	// The interrupted item went back to pending with no counter movement
	// and nothing dangling in processing.
	item := env.store.itemByRef("vid-1")
	require.NotNil(t, item)
	assert.Equal(t, domain.ItemStatePending, item.State)

	batch, err := env.ctrl.GetBatchStatus(context.Background(), batchID)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.ProcessedCount)
	assert.Equal(t, 0, batch.FailedCount)
	assert.Equal(t, 1, env.fetcher.callCount("vid-1"), "in-flight attempt must not be retried during shutdown")
}

func TestQuotaRefusalAtReservationPausesBatch(t *testing.T) {
	// Budget for exactly two metadata calls; the third reservation is
	// refused before the adapter is ever invoked.
	env := newTestEnv(t, envOptions{
		workers: 1,
		limits: map[string]quota.Limit{
			quota.ServiceMetadata:   {Units: 2, Window: time.Hour},
			quota.ServiceExtraction: {Units: 1_000, Window: time.Hour},
		},
	})

	batchID, err := env.ctrl.StartBatch(
		context.Background(),
		[]string{"vid-1", "vid-2", "vid-3", "vid-4"},
		nil,
	)
	require.NoError(t, err)

	batch := env.waitForBatchState(t, batchID, domain.BatchStatePaused)
	assert.Equal(t, 2, batch.ProcessedCount)
	assert.Equal(t, 0, batch.FailedCount)
	assert.Contains(t, batch.PauseReason, "metadata")

	assert.Equal(t, 0, env.fetcher.callCount("vid-3"), "refused reservation must not reach the adapter")
	assert.Equal(t, 0, env.fetcher.callCount("vid-4"))
}

func TestResumeSkipsMetadataStageWhenAlreadyFetched(t *testing.T) {
	env := newTestEnv(t, envOptions{workers: 1})

	// Metadata succeeds, extraction hits a service-side quota refusal. The
	// pause lands after the partial result is persisted.
	env.extractor.set(func(meta *domain.VideoMetadata) (json.RawMessage, error) {
		return nil, domain.NewQuotaExceededError(errors.New("extraction quota spent"))
	})

	batchID, err := env.ctrl.StartBatch(context.Background(), []string{"vid-1"}, nil)
	require.NoError(t, err)
	env.waitForBatchState(t, batchID, domain.BatchStatePaused)

	require.Equal(t, 1, env.fetcher.callCount("vid-1"))
	item := env.store.itemByRef("vid-1")
	require.NotNil(t, item)
	require.NotNil(t, item.Metadata, "partial result must survive the pause")

	env.extractor.set(okExtraction)
	require.NoError(t, env.ctrl.ResumeBatch(context.Background(), batchID))
	env.waitForBatchState(t, batchID, domain.BatchStateCompleted)

	// The resumed run went straight to extraction.
	assert.Equal(t, 1, env.fetcher.callCount("vid-1"))
}

func TestAdapterPanicFailsOnlyThatItem(t *testing.T) {
	env := newTestEnv(t, envOptions{workers: 1})
	env.extractor.set(func(meta *domain.VideoMetadata) (json.RawMessage, error) {
		if meta.Title == "title of vid-2" {
			panic("malformed model response")
		}
		return okExtraction(meta)
	})

	batchID, err := env.ctrl.StartBatch(
		context.Background(),
		[]string{"vid-1", "vid-2", "vid-3"},
		nil,
	)
	require.NoError(t, err)

	batch := env.waitForBatchState(t, batchID, domain.BatchStateCompleted)
	assert.Equal(t, 2, batch.ProcessedCount)
	assert.Equal(t, 1, batch.FailedCount)

	item := env.store.itemByRef("vid-2")
	require.NotNil(t, item)
	assert.Equal(t, domain.ItemStateFailed, item.State)
	require.NotNil(t, item.LastError)
	assert.Contains(t, item.LastError.Message, "malformed model response")
}
