package task

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/reel-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue() *JobQueue {
	return NewJobQueue(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func queueItem(t *testing.T, batchID uuid.UUID, ref string) *domain.WorkItem {
	t.Helper()
	item, err := domain.NewWorkItem(batchID, ref)
	require.NoError(t, err)
	return item
}

func TestJobQueueFIFOPerBatch(t *testing.T) {
	q := newTestQueue()
	batchID := uuid.New()

	for _, ref := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(queueItem(t, batchID, ref)))
	}

	var got []string
	for i := 0; i < 3; i++ {
		item, ok := q.Dequeue()
		require.True(t, ok)
		got = append(got, item.ExternalRef)
	}

	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestJobQueueRoundRobinAcrossBatches(t *testing.T) {
	q := newTestQueue()
	batchA := uuid.New()
	batchB := uuid.New()

	// A large batch enqueued first must not starve a later one.
	for _, ref := range []string{"a1", "a2", "a3"} {
		require.NoError(t, q.Enqueue(queueItem(t, batchA, ref)))
	}
	require.NoError(t, q.Enqueue(queueItem(t, batchB, "b1")))

	var got []string
	for i := 0; i < 4; i++ {
		item, ok := q.Dequeue()
		require.True(t, ok)
		got = append(got, item.ExternalRef)
	}

	assert.Equal(t, []string{"a1", "b1", "a2", "a3"}, got)
}

func TestJobQueueRequeuePushesFront(t *testing.T) {
	q := newTestQueue()
	batchID := uuid.New()

	require.NoError(t, q.Enqueue(queueItem(t, batchID, "first")))
	require.NoError(t, q.Enqueue(queueItem(t, batchID, "second")))

	handedBack := queueItem(t, batchID, "handed-back")
	require.NoError(t, q.Requeue(handedBack))

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "handed-back", item.ExternalRef)
}

func TestJobQueueBlockingDequeue(t *testing.T) {
	q := newTestQueue()
	batchID := uuid.New()

	done := make(chan string, 1)
	go func() {
		item, ok := q.Dequeue()
		if ok {
			done <- item.ExternalRef
		}
	}()

	// Give the goroutine time to block, then feed it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(queueItem(t, batchID, "late")))

	select {
	case ref := <-done:
		assert.Equal(t, "late", ref)
	case <-time.After(time.Second):
		t.Fatal("blocked dequeue never received the enqueued item")
	}
}

func TestJobQueueClose(t *testing.T) {
	q := newTestQueue()
	batchID := uuid.New()
	require.NoError(t, q.Enqueue(queueItem(t, batchID, "leftover")))

	unblocked := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, ok := q.Dequeue()
			unblocked <- ok
		}()
	}

	time.Sleep(20 * time.Millisecond)
	q.Close()

	// One goroutine may have grabbed the leftover before Close; the rest
	// must unblock with ok=false. Closing again is a no-op.
	q.Close()

	deadline := time.After(time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-unblocked:
		case <-deadline:
			t.Fatal("dequeue did not unblock on close")
		}
	}

	assert.ErrorIs(t, q.Enqueue(queueItem(t, batchID, "x")), ErrQueueClosed)
	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestJobQueueDropBatch(t *testing.T) {
	q := newTestQueue()
	batchA := uuid.New()
	batchB := uuid.New()

	require.NoError(t, q.Enqueue(queueItem(t, batchA, "a1")))
	require.NoError(t, q.Enqueue(queueItem(t, batchA, "a2")))
	require.NoError(t, q.Enqueue(queueItem(t, batchB, "b1")))

	assert.Equal(t, 2, q.DropBatch(batchA))
	assert.Equal(t, 0, q.DropBatch(batchA))
	assert.Equal(t, 1, q.Len())

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "b1", item.ExternalRef)
}
