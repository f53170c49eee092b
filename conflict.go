package docswarm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

const conflictIDSeparator = "/conflicts/"

// conflictListKey is the body key under which a conflict placeholder
// enumerates its artifact ids.
const conflictListKey = "Conflicts"

// ConflictArtifactID names the stored copy of a single contender.
func ConflictArtifactID(id string, replicaTag string) string {
	return id + conflictIDSeparator + replicaTag
}

// CreatedConflict describes the conflict placeholder after materialization:
// the post-write version token of the parent record and the ordered artifact
// id list it enumerates.
type CreatedConflict struct {
	Etag        string
	ArtifactIDs []string
}

// ConflictStore persists losing and contending versions under synthetic ids
// and maintains the artifact list on already-conflicted items. Artifacts are
// identified uniquely by parent id plus source tag, so writing one is
// idempotent: an existing artifact with the same key is overwritten.
type ConflictStore struct {
	store ItemStore
	kind  ItemKind
	log   *logrus.Entry
}

// NewConflictStore creates a conflict store over the given backend.
func NewConflictStore(store ItemStore, kind ItemKind, log *logrus.Entry) *ConflictStore {
	return &ConflictStore{
		store: store,
		kind:  kind,
		log:   log.WithField("component", "conflicts"),
	}
}

// SaveContender writes the incoming version as an artifact under the parent
// id, keyed by the incoming replica tag. The write ignores the local etag.
func (c *ConflictStore) SaveContender(ctx context.Context, id string, meta Metadata, body any) (string, error) {
	source := metaString(meta, MetaReplicationSource)
	artifactID := ConflictArtifactID(id, source)

	artifactMeta := cloneMetadata(meta)
	artifactMeta[MetaConflictDocument] = true
	artifactMeta[MetaReplicationConflict] = true

	if _, err := c.store.AddWithoutConflict(ctx, artifactID, "", artifactMeta, body); err != nil {
		return "", fmt.Errorf("failed to save contender %s: %w", artifactID, err)
	}

	c.log.Debugf("saved contender %s", artifactID)
	return artifactID, nil
}

// CreateConflictParent materializes the currently stored record as its own
// artifact, then replaces the parent id with a placeholder enumerating both
// contenders.
func (c *ConflictStore) CreateConflictParent(ctx context.Context, id string, newArtifactID string, existingArtifactID string, local *Record) (CreatedConflict, error) {
	existingMeta := cloneMetadata(local.Meta)
	existingMeta[MetaConflictDocument] = true
	existingMeta[MetaReplicationConflict] = true

	if _, err := c.store.AddWithoutConflict(ctx, existingArtifactID, "", existingMeta, local.Body); err != nil {
		return CreatedConflict{}, fmt.Errorf("failed to save existing version as %s: %w", existingArtifactID, err)
	}

	artifactIDs := []string{existingArtifactID, newArtifactID}
	body, err := c.encodeArtifactList(artifactIDs)
	if err != nil {
		return CreatedConflict{}, err
	}

	placeholderMeta := cloneMetadata(local.Meta)
	placeholderMeta[MetaReplicationConflict] = true
	delete(placeholderMeta, MetaConflictDocument)
	delete(placeholderMeta, MetaDeleteMarker)

	etag := local.Etag
	if local.Deleted {
		etag = ""
	}
	newEtag, err := c.store.AddWithoutConflict(ctx, id, etag, placeholderMeta, body)
	if err != nil {
		return CreatedConflict{}, fmt.Errorf("failed to write conflict placeholder for %s: %w", id, err)
	}

	return CreatedConflict{Etag: newEtag, ArtifactIDs: artifactIDs}, nil
}

// AppendToExistingConflict adds a new artifact id to an already-conflicted
// parent. Appending an id that is already listed leaves the list unchanged
// but still refreshes the placeholder record.
func (c *ConflictStore) AppendToExistingConflict(ctx context.Context, id string, newArtifactID string, local *Record) (CreatedConflict, error) {
	artifactIDs, err := c.decodeArtifactList(local.Body)
	if err != nil {
		return CreatedConflict{}, fmt.Errorf("failed to read conflict list for %s: %w", id, err)
	}

	if !containsString(artifactIDs, newArtifactID) {
		artifactIDs = append(artifactIDs, newArtifactID)
	}

	body, err := c.encodeArtifactList(artifactIDs)
	if err != nil {
		return CreatedConflict{}, err
	}

	newEtag, err := c.store.AddWithoutConflict(ctx, id, local.Etag, local.Meta, body)
	if err != nil {
		return CreatedConflict{}, fmt.Errorf("failed to append to conflict %s: %w", id, err)
	}

	return CreatedConflict{Etag: newEtag, ArtifactIDs: artifactIDs}, nil
}

// encodeArtifactList produces the placeholder body in the store's native
// shape: a document for document stores, JSON bytes for attachment stores.
func (c *ConflictStore) encodeArtifactList(ids []string) (any, error) {
	if c.kind == ItemAttachment {
		data, err := json.Marshal(ids)
		if err != nil {
			return nil, fmt.Errorf("failed to encode conflict list: %w", err)
		}
		return data, nil
	}

	list := make([]any, len(ids))
	for i, id := range ids {
		list[i] = id
	}
	return map[string]any{conflictListKey: list}, nil
}

func (c *ConflictStore) decodeArtifactList(body any) ([]string, error) {
	switch b := body.(type) {
	case []byte:
		var ids []string
		if err := json.Unmarshal(b, &ids); err != nil {
			return nil, err
		}
		return ids, nil
	case map[string]any:
		raw, ok := b[conflictListKey]
		if !ok {
			return nil, fmt.Errorf("placeholder body has no %s entry", conflictListKey)
		}
		switch list := raw.(type) {
		case []string:
			out := make([]string, len(list))
			copy(out, list)
			return out, nil
		case []any:
			out := make([]string, 0, len(list))
			for _, e := range list {
				if s, ok := e.(string); ok {
					out = append(out, s)
				}
			}
			return out, nil
		}
		return nil, fmt.Errorf("placeholder %s entry has unexpected shape", conflictListKey)
	default:
		return nil, fmt.Errorf("placeholder body has unexpected type %T", body)
	}
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
