// Package queue buffers requests that could not be sent while offline.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pario-ai/cupid/pkg/models"
	"github.com/pario-ai/cupid/pkg/store"
)

// DefaultMaxSize is the queue capacity.
const DefaultMaxSize = 50

// Queue is a bounded FIFO of requests awaiting replay. Replay itself is driven
// by the caller; the queue never starts goroutines.
type Queue struct {
	mu      sync.Mutex
	items   []models.QueuedRequest
	maxSize int
	online  bool
	now     func() time.Time
	kv      store.KV
}

// Option customizes a Queue.
type Option func(*Queue)

// WithStore writes the entries to kv after every change. Call Load to pick
// up entries left by an earlier process.
func WithStore(kv store.KV) Option { return func(q *Queue) { q.kv = kv } }

// New creates an online queue. A non-positive maxSize means DefaultMaxSize.
func New(maxSize int, opts ...Option) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	q := &Queue{maxSize: maxSize, online: true, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Load replaces the entries with the persisted ones, keeping the newest
// maxSize. It is a no-op without a store.
func (q *Queue) Load(ctx context.Context) error {
	if q.kv == nil {
		return nil
	}
	items, err := store.LoadQueue(ctx, q.kv)
	if err != nil {
		return err
	}
	if len(items) > q.maxSize {
		items = items[len(items)-q.maxSize:]
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = items
	return nil
}

// persist must be called with q.mu held.
func (q *Queue) persist() {
	if q.kv == nil {
		return
	}
	if err := store.SaveQueue(context.Background(), q.kv, q.items); err != nil {
		log.Printf("persist offline queue: %v", err)
	}
}

// Add appends a request and returns its id. When the queue is full the
// oldest entry is evicted first.
func (q *Queue) Add(rt models.RequestType, params models.RequestDescriptor) string {
	item := models.QueuedRequest{
		ID:          uuid.NewString(),
		RequestType: rt,
		Params:      params,
		EnqueuedAt:  q.now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.maxSize {
		q.items = append(q.items[:0], q.items[len(q.items)-q.maxSize+1:]...)
	}
	q.items = append(q.items, item)
	q.persist()
	return item.ID
}

// PeekNext returns the head without removing it.
func (q *Queue) PeekNext() (models.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.QueuedRequest{}, false
	}
	return q.items[0], true
}

// Get returns the entry with the given id.
func (q *Queue) Get(id string) (models.QueuedRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.index(id); i >= 0 {
		return q.items[i], true
	}
	return models.QueuedRequest{}, false
}

// Remove deletes the entry with the given id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(id)
	if i < 0 {
		return false
	}
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.persist()
	return true
}

// IncrementRetry bumps the replay attempt counter and returns the new value.
func (q *Queue) IncrementRetry(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.index(id)
	if i < 0 {
		return 0, false
	}
	q.items[i].RetryCount++
	q.persist()
	return q.items[i].RetryCount, true
}

// Snapshot returns a copy of the queued entries, oldest first.
func (q *Queue) Snapshot() []models.QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.QueuedRequest(nil), q.items...)
}

// Size returns the number of queued entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every entry.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.persist()
}

// SetOnline records connectivity state.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.online = online
}

// IsOnline reports the last recorded connectivity state.
func (q *Queue) IsOnline() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) index(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}
