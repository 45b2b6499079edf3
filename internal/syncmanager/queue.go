/**
 * CONTEXT:   Bounded-by-policy FIFO queue backing the Sync Manager
 * INPUT:     enqueue(type, session_id, payload, timestamp) from producers
 * OUTPUT:    Ordered QueuedTelemetryItem slices for the flush loop to drain
 * BUSINESS:  Multi-producer, single-consumer; session_id is required, never null
 * CHANGE:    Initial implementation
 * RISK:      Medium - ordering bugs here violate the enqueue-order delivery guarantee
 */

package syncmanager

import (
	"sync"

	"github.com/claude-monitor/activity-agent/internal/model"
)

// queue is a simple FIFO; enqueues lock briefly, and Drain takes a batch
// under the same lock so a flush sees a consistent prefix.
type queue struct {
	mu    sync.Mutex
	items []model.QueuedTelemetryItem
}

func newQueue() *queue { return &queue{} }

// push appends one item. sessionID must be non-empty; callers enforce this
// before calling push (a null session_id is a programmer error, not a
// runtime condition this queue tolerates silently).
func (q *queue) push(item model.QueuedTelemetryItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return len(q.items)
}

// len returns the current queue length.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes up to maxItems from the head of the queue and returns them
// in order. maxItems <= 0 means "all".
func (q *queue) drain(maxItems int) []model.QueuedTelemetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if maxItems > 0 && maxItems < n {
		n = maxItems
	}
	out := make([]model.QueuedTelemetryItem, n)
	copy(out, q.items[:n])
	q.items = q.items[n:]
	return out
}
