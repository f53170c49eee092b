package docswarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// retryBaseDelay is the starting backoff after a lost optimistic write race.
const retryBaseDelay = 5 * time.Millisecond

// Options configures a Replicator. LocalTag, Triggers and Logger are
// mandatory; the rest falls back to defaults.
type Options struct {
	// LocalTag is this replica's stable identifier, used to name the local
	// contender artifact when a conflict is materialized.
	LocalTag string

	// HistoryMax bounds the replication history carried per item.
	HistoryMax int

	// MaxRetries bounds restarts after optimistic concurrency failures.
	MaxRetries int

	// Resolvers are offered concurrent conflicts in order; first acceptance
	// wins. An empty chain means every concurrent write materializes a
	// conflict.
	Resolvers []Resolver

	// Triggers must carry the remove-conflict trigger before replication
	// starts.
	Triggers *TriggerBridge

	// Bus receives conflict notifications. Optional; nil drops them.
	Bus Bus

	Logger *logrus.Entry
}

// Replicator is the per-item replication decision engine. For each incoming
// item it decides between fast-forward update, fast-forward delete, replay
// suppression, resolver-mediated resolution, and conflict materialization.
//
// Concurrent calls are safe; calls targeting the same id serialize through
// optimistic etag checks, restarting with a fresh read when a race is lost.
type Replicator struct {
	store     ItemStore
	conflicts *ConflictStore
	chain     *ResolverChain
	triggers  *TriggerBridge
	bus       Bus
	kind      ItemKind

	localTag   string
	historyMax int
	maxRetries int

	log *logrus.Entry
}

// NewDocumentReplicator creates the engine over a document store.
func NewDocumentReplicator(store ItemStore, opts Options) (*Replicator, error) {
	return newReplicator(store, ItemDocument, opts)
}

// NewAttachmentReplicator creates the engine over an attachment store.
func NewAttachmentReplicator(store ItemStore, opts Options) (*Replicator, error) {
	return newReplicator(store, ItemAttachment, opts)
}

func newReplicator(store ItemStore, kind ItemKind, opts Options) (*Replicator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if opts.LocalTag == "" {
		return nil, fmt.Errorf("local replica tag is empty")
	}
	if opts.Triggers == nil {
		return nil, fmt.Errorf("trigger bridge is nil")
	}
	if err := opts.Triggers.EnsureConflictCleanup(); err != nil {
		return nil, fmt.Errorf("replication cannot start: %w", err)
	}

	if opts.HistoryMax <= 0 {
		opts.HistoryMax = DefaultHistoryMax
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	log := opts.Logger.WithField("component", "replicator").WithField("kind", kind.String())

	return &Replicator{
		store:      store,
		conflicts:  NewConflictStore(store, kind, opts.Logger),
		chain:      NewResolverChain(opts.Resolvers, opts.Logger),
		triggers:   opts.Triggers,
		bus:        opts.Bus,
		kind:       kind,
		localTag:   opts.LocalTag,
		historyMax: opts.HistoryMax,
		maxRetries: opts.MaxRetries,
		log:        log,
	}, nil
}

// Replicate processes one incoming replicated item. body is nil on delete
// replication of documents and may be nil on tombstoned incoming metadata.
//
// A lost optimistic write race restarts the whole call with a fresh read, up
// to MaxRetries times. Any other error surfaces to the caller, which is
// expected to retry or report.
func (r *Replicator) Replicate(ctx context.Context, id string, meta Metadata, body any) error {
	for attempt := 0; ; attempt++ {
		err := r.replicateOnce(ctx, id, meta, body)
		if err == nil || !errors.Is(err, ErrConcurrentWrite) {
			return err
		}
		if attempt >= r.maxRetries {
			return fmt.Errorf("failed to replicate %s after %d attempts: %w", id, attempt+1, err)
		}

		// Jittered backoff so racing peers do not stay in lockstep.
		delay := retryBaseDelay << uint(attempt)
		delay += time.Duration(rand.Int63n(int64(delay)))
		r.log.Debugf("write race on %s, retrying (attempt %d) after %v", id, attempt+1, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Replicator) replicateOnce(ctx context.Context, id string, meta Metadata, body any) error {
	meta = r.normalizeIncoming(meta)
	incoming := ParseVersionMeta(meta)

	if incoming.Deleted {
		return r.replicateDelete(ctx, id, meta, incoming)
	}
	return r.replicatePut(ctx, id, meta, incoming, body)
}

// normalizeIncoming clones the incoming metadata and enforces the history
// bound before anything is written.
func (r *Replicator) normalizeIncoming(meta Metadata) Metadata {
	meta = cloneMetadata(meta)
	history := HistoryFromMeta(meta)
	if len(history) > r.historyMax {
		meta[MetaReplicationHistory] = HistoryToMeta(CapHistory(history, r.historyMax))
	}
	return meta
}

func (r *Replicator) replicatePut(ctx context.Context, id string, meta Metadata, incoming VersionMeta, body any) error {
	local, err := r.store.TryGetExisting(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", id, err)
	}

	if local == nil {
		if _, err := r.store.AddWithoutConflict(ctx, id, "", meta, body); err != nil {
			return fmt.Errorf("failed to add %s: %w", id, err)
		}
		r.log.Debugf("added new %s %s (%s)", r.kind, id, incoming.Version.Key())
		return nil
	}

	if incoming.Version.IsZero() {
		r.log.Warnf("rejecting %s: incoming metadata has no replication source/version", id)
		return fmt.Errorf("item %s: %w", id, ErrMalformedMetadata)
	}

	localMeta := ParseVersionMeta(local.Meta)
	relation := VersionRelation(incoming, localMeta)
	if relation == IdenticalReplay {
		r.log.Debugf("suppressing replay of %s (%s)", id, incoming.Version.Key())
		return nil
	}
	if !localMeta.Conflicted && relation == LocalDescendsIncoming {
		// The incoming version is already part of the local lineage.
		r.log.Debugf("suppressing stale %s (%s)", id, incoming.Version.Key())
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if !localMeta.Conflicted && relation == IncomingDescendsLocal {
		etag := local.Etag
		if local.Deleted {
			etag = ""
		}
		if _, err := r.store.AddWithoutConflict(ctx, id, etag, meta, body); err != nil {
			return fmt.Errorf("failed to fast-forward %s: %w", id, err)
		}
		r.log.Debugf("fast-forwarded %s to %s", id, incoming.Version.Key())
		return nil
	}

	if done, err := r.tryResolve(ctx, id, meta, body, local); done || err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return r.materializeConflict(ctx, id, meta, body, local, localMeta.Conflicted, OpPut)
}

func (r *Replicator) replicateDelete(ctx context.Context, id string, meta Metadata, incoming VersionMeta) error {
	local, err := r.store.TryGetExisting(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", id, err)
	}
	if local == nil {
		// Delete of nothing.
		return nil
	}

	if incoming.Version.IsZero() {
		r.log.Warnf("rejecting delete of %s: incoming metadata has no replication source/version", id)
		return fmt.Errorf("item %s: %w", id, ErrMalformedMetadata)
	}

	localMeta := ParseVersionMeta(local.Meta)
	relation := VersionRelation(incoming, localMeta)
	if relation == IdenticalReplay {
		return nil
	}
	if !local.Deleted && !localMeta.Conflicted && relation == LocalDescendsIncoming {
		// A delete that the local lineage has already superseded.
		r.log.Debugf("suppressing stale delete of %s (%s)", id, incoming.Version.Key())
		return nil
	}

	if local.Deleted {
		// Both sides deleted independently: union the histories so future
		// merges still see every lineage.
		merged := MergeHistories(localMeta.History, incoming.History, r.historyMax)
		newMeta := cloneMetadata(meta)
		newMeta[MetaReplicationHistory] = HistoryToMeta(merged)
		if err := r.store.MarkAsDeleted(ctx, id, newMeta); err != nil {
			return fmt.Errorf("failed to merge tombstone histories for %s: %w", id, err)
		}
		r.log.Debugf("merged tombstone histories for %s", id)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if relation == IncomingDescendsLocal {
		if err := r.store.DeleteItem(ctx, id, local.Etag); err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		if err := r.store.MarkAsDeleted(ctx, id, meta); err != nil {
			return fmt.Errorf("failed to tombstone %s: %w", id, err)
		}
		r.log.Debugf("fast-forward deleted %s (%s)", id, incoming.Version.Key())
		return nil
	}

	resolvedMeta, resolvedBody, ok, rerr := r.chain.Resolve(id, meta, nil, local.Body)
	if rerr != nil {
		r.log.Errorf("resolver chain reported failures for %s: %v", id, rerr)
	}
	if ok {
		if metaBool(resolvedMeta, MetaResolverDeleteMarker) {
			return r.applyResolvedDelete(ctx, id, resolvedMeta)
		}
		if _, err := r.store.AddWithoutConflict(ctx, id, local.Etag, resolvedMeta, resolvedBody); err != nil {
			return fmt.Errorf("failed to write resolved %s: %w", id, err)
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return r.materializeConflict(ctx, id, meta, nil, local, localMeta.Conflicted, OpDelete)
}

// tryResolve offers a concurrent put to the resolver chain. Returns done=true
// when a resolver accepted and the resolution has been applied.
func (r *Replicator) tryResolve(ctx context.Context, id string, meta Metadata, body any, local *Record) (bool, error) {
	resolvedMeta, resolvedBody, ok, rerr := r.chain.Resolve(id, meta, body, local.Body)
	if rerr != nil {
		r.log.Errorf("resolver chain reported failures for %s: %v", id, rerr)
	}
	if !ok {
		return false, nil
	}

	if metaBool(resolvedMeta, MetaResolverDeleteMarker) {
		return true, r.applyResolvedDelete(ctx, id, resolvedMeta)
	}

	etag := local.Etag
	if local.Deleted {
		etag = ""
	}

	// The replication write path runs with triggers disabled, so conflict
	// cleanup has to be re-invoked by hand for structured bodies.
	r.triggers.OnResolvedPut(id, resolvedMeta, resolvedBody)

	if _, err := r.store.AddWithoutConflict(ctx, id, etag, resolvedMeta, resolvedBody); err != nil {
		return true, fmt.Errorf("failed to write resolved %s: %w", id, err)
	}
	r.log.Debugf("resolver accepted %s", id)
	return true, nil
}

func (r *Replicator) applyResolvedDelete(ctx context.Context, id string, resolvedMeta Metadata) error {
	if err := r.store.DeleteItem(ctx, id, ""); err != nil {
		return fmt.Errorf("failed to delete resolved %s: %w", id, err)
	}
	if err := r.store.MarkAsDeleted(ctx, id, resolvedMeta); err != nil {
		return fmt.Errorf("failed to tombstone resolved %s: %w", id, err)
	}
	r.log.Debugf("resolver deleted %s", id)
	return nil
}

func (r *Replicator) materializeConflict(ctx context.Context, id string, meta Metadata, body any, local *Record, parentConflicted bool, op OperationType) error {
	if parentConflicted {
		// The placeholder's metadata describes the pre-conflict local
		// version, so replays of an already-recorded contender get here.
		// Catch them against the artifact itself.
		replay, err := r.isRecordedContender(ctx, id, meta)
		if err != nil {
			return err
		}
		if replay {
			return nil
		}
	}

	artifactID, err := r.conflicts.SaveContender(ctx, id, meta, body)
	if err != nil {
		return err
	}

	var created CreatedConflict
	if parentConflicted {
		created, err = r.conflicts.AppendToExistingConflict(ctx, id, artifactID, local)
	} else {
		existingArtifactID := ConflictArtifactID(id, r.localTag)
		created, err = r.conflicts.CreateConflictParent(ctx, id, artifactID, existingArtifactID, local)
	}
	if err != nil {
		return err
	}

	r.log.Infof("conflict on %s %s: %d contenders", r.kind, id, len(created.ArtifactIDs))

	if r.bus != nil {
		n := ConflictNotification{
			ID:        id,
			Etag:      created.Etag,
			ItemType:  r.kind,
			Operation: op,
			Conflicts: created.ArtifactIDs,
		}
		// Deferred past the materializing transaction when the store has one.
		onCommit(r.store, func() { r.bus.Publish(n) })
	}
	return nil
}

// isRecordedContender reports whether the incoming version is already stored
// as a conflict artifact under its source tag.
func (r *Replicator) isRecordedContender(ctx context.Context, id string, meta Metadata) (bool, error) {
	source := metaString(meta, MetaReplicationSource)
	artifact, err := r.store.TryGetExisting(ctx, ConflictArtifactID(id, source))
	if err != nil {
		return false, fmt.Errorf("failed to read contender artifact for %s: %w", id, err)
	}
	if artifact == nil {
		return false, nil
	}
	incoming := ParseVersionMeta(meta)
	recorded := ParseVersionMeta(artifact.Meta)
	if recorded.Version.Equal(incoming.Version) {
		r.log.Debugf("suppressing replayed contender for %s (%s)", id, incoming.Version.Key())
		return true, nil
	}
	return false, nil
}

