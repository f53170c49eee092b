package docswarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemStore is an in-memory ItemStore with optimistic concurrency. It is the
// default backend for tests and single-process embedders.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]memRecord
}

type memRecord struct {
	meta    Metadata
	body    any
	etag    string
	deleted bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		items: make(map[string]memRecord),
	}
}

func (m *MemStore) TryGetExisting(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.items[id]
	if !ok {
		return nil, nil
	}
	return &Record{
		Meta:    cloneMetadata(rec.meta),
		Body:    rec.body,
		Etag:    rec.etag,
		Deleted: rec.deleted,
	}, nil
}

func (m *MemStore) AddWithoutConflict(_ context.Context, id string, etag string, meta Metadata, body any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if etag != "" {
		cur, ok := m.items[id]
		if !ok || cur.etag != etag {
			return "", fmt.Errorf("item %s: %w", id, ErrConcurrentWrite)
		}
	}

	newEtag := uuid.NewString()
	m.items[id] = memRecord{
		meta: cloneMetadata(meta),
		body: body,
		etag: newEtag,
	}
	return newEtag, nil
}

func (m *MemStore) DeleteItem(_ context.Context, id string, etag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.items[id]
	if !ok {
		return nil
	}
	if etag != "" && cur.etag != etag {
		return fmt.Errorf("item %s: %w", id, ErrConcurrentWrite)
	}
	delete(m.items, id)
	return nil
}

func (m *MemStore) MarkAsDeleted(_ context.Context, id string, meta Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tombMeta := cloneMetadata(meta)
	tombMeta[MetaDeleteMarker] = true
	m.items[id] = memRecord{
		meta:    tombMeta,
		etag:    uuid.NewString(),
		deleted: true,
	}
	return nil
}

// Len returns the number of stored records, tombstones included.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// IDs returns every stored id, tombstones included. Test helper.
func (m *MemStore) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.items))
	for id := range m.items {
		out = append(out, id)
	}
	return out
}
