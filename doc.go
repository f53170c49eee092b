// Package docswarm implements the per-item ingestion core of a multi-master
// replicated document store.
//
// For each incoming replicated item, the Replicator decides, from local
// state and the incoming metadata alone, whether to accept it as a
// fast-forward update or delete, suppress it as a duplicate replay, apply an
// automatic resolution produced by a pluggable resolver chain, or record a
// conflict that preserves every contending version under synthetic artifact
// ids for later resolution.
//
// Causality is tracked per item through an ancestry list in the item's
// metadata: every version carries the (source, counter) pairs it descends
// from, bounded and evicted oldest-first. Storage backends are pluggable
// through the ItemStore capability set; MemStore and SQLStore ship with the
// package. Conflicts are announced on a Bus after the materializing write
// commits.
package docswarm
