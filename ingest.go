package docswarm

import (
	"sync"
)

// IncomingItem is one replicated item handed over by a transport, waiting to
// be run through the decision engine.
type IncomingItem struct {
	ID   string
	Meta Metadata
	Body any
}

// Key uniquely names this item's version within its id.
func (it *IncomingItem) Key() string {
	v := Version{
		Source:  metaString(it.Meta, MetaReplicationSource),
		Counter: metaInt(it.Meta, MetaReplicationVersion),
	}
	return v.Key() + "@" + it.ID
}

// PendingQueue holds incoming items in arrival order, deduplicating by
// version key. Versions already applied are refused on Add, so replays are
// dropped before they ever reach storage.
type PendingQueue struct {
	mu      sync.RWMutex
	pending []*IncomingItem
	applied map[string]bool // Key: IncomingItem.Key()
}

// NewPendingQueue creates a new queue
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{
		pending: make([]*IncomingItem, 0),
		applied: make(map[string]bool),
	}
}

// Add enqueues an item, returns true if added
func (q *PendingQueue) Add(item *IncomingItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := item.Key()

	// Skip if already applied or pending
	if q.applied[key] {
		return false
	}
	for _, p := range q.pending {
		if p.Key() == key {
			return false
		}
	}

	q.pending = append(q.pending, item)
	return true
}

// TakePending returns and clears all pending items (in arrival order)
func (q *PendingQueue) TakePending() []*IncomingItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := q.pending
	q.pending = make([]*IncomingItem, 0)
	return result
}

// GetPending returns a copy of all pending items
func (q *PendingQueue) GetPending() []*IncomingItem {
	q.mu.RLock()
	defer q.mu.RUnlock()

	result := make([]*IncomingItem, len(q.pending))
	copy(result, q.pending)
	return result
}

// Remove removes a specific item from pending
func (q *PendingQueue) Remove(item *IncomingItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := item.Key()
	for i, p := range q.pending {
		if p.Key() == key {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// MarkApplied marks an item's version as applied (including rejected items!)
// Rejected items must also be marked, or the transport will replay them
// forever.
func (q *PendingQueue) MarkApplied(item *IncomingItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.applied[item.Key()] = true
}

// IsApplied checks if a version has been applied
func (q *PendingQueue) IsApplied(key string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.applied[key]
}

// HasPending returns true if there are pending items
func (q *PendingQueue) HasPending() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending) > 0
}

// PendingCount returns count of pending items
func (q *PendingQueue) PendingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.pending)
}

// AppliedCount returns the count of applied versions
func (q *PendingQueue) AppliedCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.applied)
}
