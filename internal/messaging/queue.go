package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/PersonaPipe/internal/models"
)

// UserQueue runs submitted responses one at a time per user, in arrival order,
// while different users proceed in parallel. A worker goroutine exists only
// while its user has queued work.
type UserQueue struct {
	mu      sync.Mutex
	pending map[string][]models.Response
	process func(ctx context.Context, r models.Response)
	wg      sync.WaitGroup
	closed  bool
}

// NewUserQueue creates a queue that hands each response to process.
func NewUserQueue(process func(ctx context.Context, r models.Response)) *UserQueue {
	return &UserQueue{
		pending: make(map[string][]models.Response),
		process: process,
	}
}

// Submit enqueues r under key. It returns false once the queue is closed.
func (q *UserQueue) Submit(ctx context.Context, key string, r models.Response) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	items, running := q.pending[key]
	q.pending[key] = append(items, r)
	if running {
		slog.Debug("UserQueue.Submit: queued behind running turn", "userID", key, "depth", len(items)+1)
		return true
	}
	q.wg.Add(1)
	go q.drain(ctx, key)
	return true
}

func (q *UserQueue) drain(ctx context.Context, key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		items := q.pending[key]
		if len(items) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		next := items[0]
		q.pending[key] = items[1:]
		q.mu.Unlock()

		q.process(ctx, next)
	}
}

// Close rejects further submissions and waits for queued work to finish.
func (q *UserQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
}

// Wait blocks until every queued response has been processed.
func (q *UserQueue) Wait() {
	q.wg.Wait()
}
