package docswarm

import (
	"fmt"
)

// Reserved metadata keys. These are the only keys the engine reads or writes;
// everything else in an item's metadata passes through untouched.
const (
	MetaDeleteMarker         = "@delete-marker"
	MetaReplicationSource    = "@replication-source"
	MetaReplicationVersion   = "@replication-version"
	MetaReplicationHistory   = "@replication-history"
	MetaReplicationConflict  = "@replication-conflict"
	MetaConflictDocument     = "@replication-conflict-doc"
	MetaResolverDeleteMarker = "@resolver-delete-marker"
)

// Metadata is the open key/value mapping carried by every replicated item.
type Metadata map[string]any

// Version names a single mutation: a monotonic counter within the replica
// that produced it.
type Version struct {
	Source  string `json:"source"`
	Counter int64  `json:"version"`
}

// IsZero returns true if this version carries no source or counter.
func (v Version) IsZero() bool {
	return v.Source == "" && v.Counter == 0
}

// Equal returns true if both versions name the same mutation
func (v Version) Equal(other Version) bool {
	return v.Source == other.Source && v.Counter == other.Counter
}

// Key returns a unique string key for this version
func (v Version) Key() string {
	return fmt.Sprintf("%s:%d", v.Source, v.Counter)
}

// Relation is the causal relationship between an incoming and a local version.
type Relation int

const (
	Concurrent Relation = iota
	IdenticalReplay
	IncomingDescendsLocal
	LocalDescendsIncoming
)

func (r Relation) String() string {
	switch r {
	case IdenticalReplay:
		return "identical"
	case IncomingDescendsLocal:
		return "incoming-descends-local"
	case LocalDescendsIncoming:
		return "local-descends-incoming"
	default:
		return "concurrent"
	}
}

// VersionMeta is the typed projection of the reserved keys, parsed once at
// the top of each replication call so the rest of the engine never touches
// the raw map.
type VersionMeta struct {
	Version    Version
	History    []Version
	Deleted    bool
	Conflicted bool
}

// ParseVersionMeta extracts the typed replication fields from open metadata.
// Absent keys map to zero values; a missing history is an empty set.
func ParseVersionMeta(meta Metadata) VersionMeta {
	return VersionMeta{
		Version: Version{
			Source:  metaString(meta, MetaReplicationSource),
			Counter: metaInt(meta, MetaReplicationVersion),
		},
		History:    HistoryFromMeta(meta),
		Deleted:    metaBool(meta, MetaDeleteMarker),
		Conflicted: metaBool(meta, MetaReplicationConflict),
	}
}

// VersionRelation decides the causal relationship between two versions.
//
// Each side contributes the set S = history plus its own (source, counter). The
// incoming side descends the local side iff for every source present in the
// local S, the incoming S carries that source with a counter >= the local
// one. A missing version on either side disqualifies any descendance claim.
func VersionRelation(incoming, local VersionMeta) Relation {
	if !incoming.Version.IsZero() && incoming.Version.Equal(local.Version) {
		return IdenticalReplay
	}
	if incoming.Version.IsZero() || local.Version.IsZero() {
		return Concurrent
	}

	incomingSet := maxBySource(incoming)
	localSet := maxBySource(local)

	if dominates(incomingSet, localSet) {
		return IncomingDescendsLocal
	}
	if dominates(localSet, incomingSet) {
		return LocalDescendsIncoming
	}
	return Concurrent
}

// maxBySource collapses history plus the current version into the highest
// observed counter per source.
func maxBySource(vm VersionMeta) map[string]int64 {
	set := make(map[string]int64, len(vm.History)+1)
	for _, v := range vm.History {
		if v.Source == "" {
			continue
		}
		if v.Counter > set[v.Source] {
			set[v.Source] = v.Counter
		}
	}
	if !vm.Version.IsZero() && vm.Version.Counter > set[vm.Version.Source] {
		set[vm.Version.Source] = vm.Version.Counter
	}
	return set
}

func dominates(a, b map[string]int64) bool {
	for source, counter := range b {
		if a[source] < counter {
			return false
		}
	}
	return true
}

// MergeHistories unions the incoming history into the existing one,
// order-preserving, skipping entries already present and evicting the oldest
// entries once the bound is exceeded.
func MergeHistories(existing, incoming []Version, bound int) []Version {
	merged := make([]Version, len(existing))
	copy(merged, existing)

	for _, v := range incoming {
		if !containsVersion(merged, v) {
			merged = append(merged, v)
		}
	}
	return CapHistory(merged, bound)
}

// CapHistory drops the oldest entries until the history fits the bound.
func CapHistory(history []Version, bound int) []Version {
	if bound <= 0 || len(history) <= bound {
		return history
	}
	return history[len(history)-bound:]
}

func containsVersion(history []Version, v Version) bool {
	for _, h := range history {
		if h.Equal(v) {
			return true
		}
	}
	return false
}

// HistoryFromMeta reads the replication history from open metadata. Entries
// are stored as JSON objects, so both typed and decoded-from-JSON shapes are
// accepted.
func HistoryFromMeta(meta Metadata) []Version {
	raw, ok := meta[MetaReplicationHistory]
	if !ok || raw == nil {
		return nil
	}

	switch entries := raw.(type) {
	case []Version:
		out := make([]Version, len(entries))
		copy(out, entries)
		return out
	case []any:
		out := make([]Version, 0, len(entries))
		for _, e := range entries {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, Version{
				Source:  metaString(entry, "source"),
				Counter: metaInt(entry, "version"),
			})
		}
		return out
	default:
		return nil
	}
}

// HistoryToMeta converts a history back to the open metadata shape.
func HistoryToMeta(history []Version) []any {
	out := make([]any, 0, len(history))
	for _, v := range history {
		out = append(out, map[string]any{
			"source":  v.Source,
			"version": v.Counter,
		})
	}
	return out
}

func cloneMetadata(meta Metadata) Metadata {
	out := make(Metadata, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func metaString(meta map[string]any, key string) string {
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}

func metaBool(meta map[string]any, key string) bool {
	if b, ok := meta[key].(bool); ok {
		return b
	}
	return false
}

// metaInt tolerates the numeric types JSON decoding produces.
func metaInt(meta map[string]any, key string) int64 {
	switch n := meta[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case int32:
		return int64(n)
	default:
		return 0
	}
}
