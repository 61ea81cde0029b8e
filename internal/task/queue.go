package task

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/reel-api/internal/domain"
)

// ErrQueueClosed is returned when enqueuing into a closed queue.
var ErrQueueClosed = errors.New("job queue is closed")

// JobQueue is the in-memory backlog of work items awaiting a worker. Each
// batch gets its own FIFO lane; Dequeue rotates across lanes so a large
// batch cannot starve a later one. No item is ever delivered to two workers
// concurrently.
type JobQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	backlogs map[uuid.UUID][]*domain.WorkItem
	order    []uuid.UUID
	size     int
	closed   bool
	logger   *slog.Logger
}

// NewJobQueue creates an empty JobQueue.
func NewJobQueue(logger *slog.Logger) *JobQueue {
	q := &JobQueue{
		backlogs: make(map[uuid.UUID][]*domain.WorkItem),
		logger:   logger.With("component", "job_queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends the item to its batch's lane.
// Returns ErrQueueClosed after Close.
func (q *JobQueue) Enqueue(item *domain.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.push(item, false)
	q.cond.Signal()
	return nil
}

// Requeue pushes the item to the front of its batch's lane, so it is
// delivered before anything already queued for the batch. Used for revived
// items, which should run before the remaining backlog.
func (q *JobQueue) Requeue(item *domain.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.push(item, true)
	q.cond.Signal()
	return nil
}

// Dequeue blocks until an item is available or the queue is closed. The
// second return value is false only when the queue has been closed; any
// backlog remaining at that point stays durable in the item store.
func (q *JobQueue) Dequeue() (*domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for !q.closed && q.size == 0 {
		q.cond.Wait()
	}

	if q.closed {
		return nil, false
	}

	// Take from the front lane, then rotate it to the back so batches share
	// workers fairly.
	batchID := q.order[0]
	lane := q.backlogs[batchID]
	item := lane[0]

	if len(lane) == 1 {
		delete(q.backlogs, batchID)
		q.order = q.order[1:]
	} else {
		q.backlogs[batchID] = lane[1:]
		q.order = append(q.order[1:], batchID)
	}
	q.size--

	return item, true
}

// DropBatch discards the in-memory backlog of one batch and reports how
// many items were dropped. The dropped items remain pending in the durable
// store; resume reloads them from there.
func (q *JobQueue) DropBatch(batchID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane, ok := q.backlogs[batchID]
	if !ok {
		return 0
	}

	delete(q.backlogs, batchID)
	for i, id := range q.order {
		if id == batchID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	q.size -= len(lane)

	q.logger.Debug("dropped batch backlog", "batch_id", batchID, "dropped", len(lane))
	return len(lane)
}

// Len returns the total number of queued items across all batches.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close stops the queue: blocked Dequeue calls return immediately and
// further Enqueue calls fail. Close is idempotent.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	q.cond.Broadcast()
	q.logger.Info("job queue closed", "undelivered", q.size)
}

// push adds an item to its lane, registering the lane if new.
// Caller must hold q.mu.
func (q *JobQueue) push(item *domain.WorkItem, front bool) {
	lane, exists := q.backlogs[item.BatchID]
	if front {
		q.backlogs[item.BatchID] = append([]*domain.WorkItem{item}, lane...)
	} else {
		q.backlogs[item.BatchID] = append(lane, item)
	}
	if !exists {
		q.order = append(q.order, item.BatchID)
	}
	q.size++
}
