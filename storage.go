package docswarm

import (
	"context"
	"errors"
)

// ItemKind selects the body shape a store deals in: structured documents or
// opaque attachment blobs.
type ItemKind int

const (
	ItemDocument ItemKind = iota
	ItemAttachment
)

func (k ItemKind) String() string {
	if k == ItemAttachment {
		return "attachment"
	}
	return "document"
}

var (
	// ErrConcurrentWrite indicates an optimistic concurrency failure: the
	// etag supplied with a write no longer matches the stored record.
	ErrConcurrentWrite = errors.New("concurrent write: etag mismatch")

	// ErrNotFound indicates the item does not exist, neither live nor as a
	// tombstone.
	ErrNotFound = errors.New("item not found")

	// ErrStorageUnavailable indicates a transient backend failure; callers
	// are expected to retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMalformedMetadata indicates an incoming item whose metadata lacks a
	// replication source or version while a local record already exists.
	ErrMalformedMetadata = errors.New("malformed replication metadata")
)

// Record is the storage-layer projection of a single item. Deleted means a
// tombstone is retained bearing history.
type Record struct {
	Meta    Metadata
	Body    any
	Etag    string
	Deleted bool
}

// ItemStore is the capability set the replication engine consumes. One
// implementation exists per item kind; bodies are map[string]any for
// documents and []byte for attachments.
//
// An empty etag argument means "no concurrency check". All writes bypass
// normal store triggers; the engine re-invokes the ones it needs explicitly.
type ItemStore interface {
	// TryGetExisting returns nil, nil when no record exists.
	TryGetExisting(ctx context.Context, id string) (*Record, error)

	// AddWithoutConflict upserts a live record, enforcing optimistic
	// concurrency iff etag is non-empty, and returns the post-write etag.
	AddWithoutConflict(ctx context.Context, id string, etag string, meta Metadata, body any) (string, error)

	// DeleteItem hard-deletes the record, enforcing optimistic concurrency
	// iff etag is non-empty. Deleting an absent item is a no-op.
	DeleteItem(ctx context.Context, id string, etag string) error

	// MarkAsDeleted writes a tombstone preserving the given metadata.
	MarkAsDeleted(ctx context.Context, id string, meta Metadata) error
}

// TxHooker is optionally implemented by stores that batch writes in a
// transaction. OnCommit runs fn when the active transaction commits, or
// immediately if none is active. The engine uses it to defer conflict
// notifications past the materializing write.
type TxHooker interface {
	OnCommit(fn func())
}

// onCommit runs fn through the store's transaction hook when available.
func onCommit(store ItemStore, fn func()) {
	if h, ok := store.(TxHooker); ok {
		h.OnCommit(fn)
		return
	}
	fn()
}
