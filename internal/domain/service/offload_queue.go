package service

import (
	"sync"

	"go.uber.org/zap"

	"github.com/vicw/vicw/internal/domain/memory"
)

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	CurrentSize    int   `json:"current_size"`
	MaxSize        int   `json:"max_size"`
	EnqueuedTotal  int64 `json:"enqueued_total"`
	ProcessedTotal int64 `json:"processed_total"`
	DroppedTotal   int64 `json:"dropped_total"`
	Pending        int   `json:"pending"`
}

// OffloadQueue is the bounded FIFO between the hot path and the
// ingestion worker. Enqueue never blocks: on overflow the oldest pending
// job is dropped, because the freshest conversation matters most to the
// live session. All operations hold a single mutex for O(1) work.
type OffloadQueue struct {
	mu        sync.Mutex
	items     []memory.OffloadJob
	maxSize   int
	enqueued  int64
	processed int64
	dropped   int64
	logger    *zap.Logger
}

// NewOffloadQueue creates a queue with the given capacity.
func NewOffloadQueue(maxSize int, logger *zap.Logger) *OffloadQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &OffloadQueue{
		maxSize: maxSize,
		logger:  logger.With(zap.String("component", "offload-queue")),
	}
}

// Enqueue appends a job. Returns false when the append forced the oldest
// pending job out; the new job is always accepted.
func (q *OffloadQueue) Enqueue(job memory.OffloadJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	accepted := true
	if len(q.items) >= q.maxSize {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.dropped++
		accepted = false
		q.logger.Warn("Queue full, dropped oldest job",
			zap.String("dropped_job_id", dropped.JobID),
			zap.Int64("dropped_total", q.dropped),
		)
	}
	q.items = append(q.items, job)
	q.enqueued++
	return accepted
}

// DequeueBatch removes and returns up to n jobs in FIFO order.
func (q *OffloadQueue) DequeueBatch(n int) []memory.OffloadJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]memory.OffloadJob, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

// MarkProcessed adds to the processed counter once the worker commits.
func (q *OffloadQueue) MarkProcessed(n int) {
	q.mu.Lock()
	q.processed += int64(n)
	q.mu.Unlock()
}

// Size returns the number of pending jobs.
func (q *OffloadQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats snapshots the counters.
func (q *OffloadQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		CurrentSize:    len(q.items),
		MaxSize:        q.maxSize,
		EnqueuedTotal:  q.enqueued,
		ProcessedTotal: q.processed,
		DroppedTotal:   q.dropped,
		Pending:        len(q.items),
	}
}
