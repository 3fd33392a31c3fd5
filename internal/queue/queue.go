// Package queue implements the Permission Queue and Question Queue: ordered,
// single-consumer FIFOs of pending request ids feeding the operator dialog.
// Entries are appended on arrival and removed on resolve or connection
// close; the UI reads a "head projection" of the current item without
// re-deriving it from the feed.
package queue

import (
	"sync"

	"github.com/lespaceman/athena/internal/feed"
)

// PermissionQueue holds pending permission.request items awaiting an
// operator decision, in strict arrival order. A second request for the
// same tool never coalesces with an earlier one still queued.
type PermissionQueue struct {
	mu    sync.Mutex
	order []string
	items map[string]feed.PermissionQueueItem
}

// NewPermissionQueue creates an empty queue.
func NewPermissionQueue() *PermissionQueue {
	return &PermissionQueue{items: make(map[string]feed.PermissionQueueItem)}
}

// Enqueue appends item to the tail of the queue.
func (q *PermissionQueue) Enqueue(item feed.PermissionQueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[item.RequestID]; exists {
		return
	}
	q.items[item.RequestID] = item
	q.order = append(q.order, item.RequestID)
}

// Dequeue removes and returns the item for requestID, wherever it sits in
// the queue (operator resolution need not be strictly head-first once more
// than one item is queued, but callers typically resolve the head).
func (q *PermissionQueue) Dequeue(requestID string) (feed.PermissionQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[requestID]
	if !ok {
		return feed.PermissionQueueItem{}, false
	}
	delete(q.items, requestID)
	q.order = removeID(q.order, requestID)
	return item, true
}

// RemoveAll prunes every id in ids from the queue, used when a broker
// connection closes and its pending requests can no longer be resolved.
func (q *PermissionQueue) RemoveAll(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.items, id)
		q.order = removeID(q.order, id)
	}
}

// Current returns the head-of-queue projection, or false if empty.
func (q *PermissionQueue) Current() (feed.PermissionQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return feed.PermissionQueueItem{}, false
	}
	return q.items[q.order[0]], true
}

// Count returns the number of pending items.
func (q *PermissionQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// QuestionQueue holds pending AskUserQuestion tool calls awaiting an
// operator answer. Same FIFO/eviction shape as PermissionQueue, kept as a distinct
// type because its projection (QuestionQueueItem) carries different fields
// and the two are never substituted for one another in the facade.
type QuestionQueue struct {
	mu    sync.Mutex
	order []string
	items map[string]feed.QuestionQueueItem
}

// NewQuestionQueue creates an empty queue.
func NewQuestionQueue() *QuestionQueue {
	return &QuestionQueue{items: make(map[string]feed.QuestionQueueItem)}
}

// Enqueue appends item to the tail of the queue.
func (q *QuestionQueue) Enqueue(item feed.QuestionQueueItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.items[item.RequestID]; exists {
		return
	}
	q.items[item.RequestID] = item
	q.order = append(q.order, item.RequestID)
}

// Dequeue removes and returns the item for requestID.
func (q *QuestionQueue) Dequeue(requestID string) (feed.QuestionQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[requestID]
	if !ok {
		return feed.QuestionQueueItem{}, false
	}
	delete(q.items, requestID)
	q.order = removeID(q.order, requestID)
	return item, true
}

// RemoveAll prunes every id in ids from the queue.
func (q *QuestionQueue) RemoveAll(ids []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.items, id)
		q.order = removeID(q.order, id)
	}
}

// Current returns the head-of-queue projection, or false if empty.
func (q *QuestionQueue) Current() (feed.QuestionQueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return feed.QuestionQueueItem{}, false
	}
	return q.items[q.order[0]], true
}

// Count returns the number of pending items.
func (q *QuestionQueue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func removeID(order []string, id string) []string {
	for i, v := range order {
		if v == id {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}
