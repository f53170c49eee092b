package docswarm

import (
	"encoding/json"
	"testing"
)

func makeMeta(source string, counter int64, history ...Version) Metadata {
	m := Metadata{
		MetaReplicationSource:  source,
		MetaReplicationVersion: counter,
	}
	if len(history) > 0 {
		m[MetaReplicationHistory] = HistoryToMeta(history)
	}
	return m
}

func TestVersionRelationIdenticalReplay(t *testing.T) {
	incoming := ParseVersionMeta(makeMeta("X", 1))
	local := ParseVersionMeta(makeMeta("X", 1))

	if rel := VersionRelation(incoming, local); rel != IdenticalReplay {
		t.Errorf("Expected IdenticalReplay, got %s", rel)
	}
}

func TestVersionRelationFastForward(t *testing.T) {
	incoming := ParseVersionMeta(makeMeta("X", 2, Version{"X", 1}))
	local := ParseVersionMeta(makeMeta("X", 1))

	if rel := VersionRelation(incoming, local); rel != IncomingDescendsLocal {
		t.Errorf("Expected IncomingDescendsLocal, got %s", rel)
	}
	if rel := VersionRelation(local, incoming); rel != LocalDescendsIncoming {
		t.Errorf("Expected LocalDescendsIncoming, got %s", rel)
	}
}

func TestVersionRelationCrossReplicaDescent(t *testing.T) {
	// Y saw X's version 1 and built on top of it.
	incoming := ParseVersionMeta(makeMeta("Y", 1, Version{"X", 1}))
	local := ParseVersionMeta(makeMeta("X", 1))

	if rel := VersionRelation(incoming, local); rel != IncomingDescendsLocal {
		t.Errorf("Expected IncomingDescendsLocal, got %s", rel)
	}
}

func TestVersionRelationConcurrent(t *testing.T) {
	incoming := ParseVersionMeta(makeMeta("Y", 1))
	local := ParseVersionMeta(makeMeta("X", 1))

	if rel := VersionRelation(incoming, local); rel != Concurrent {
		t.Errorf("Expected Concurrent, got %s", rel)
	}
}

func TestVersionRelationDivergedHistories(t *testing.T) {
	// Both descend from ("X", 1) but diverged afterwards.
	incoming := ParseVersionMeta(makeMeta("Y", 1, Version{"X", 1}))
	local := ParseVersionMeta(makeMeta("Z", 1, Version{"X", 1}))

	if rel := VersionRelation(incoming, local); rel != Concurrent {
		t.Errorf("Expected Concurrent, got %s", rel)
	}
}

func TestVersionRelationMissingVersionDisqualifiesDescent(t *testing.T) {
	incoming := ParseVersionMeta(Metadata{})
	local := ParseVersionMeta(makeMeta("X", 1))

	if rel := VersionRelation(incoming, local); rel != Concurrent {
		t.Errorf("Expected Concurrent for missing incoming version, got %s", rel)
	}

	if rel := VersionRelation(local, ParseVersionMeta(Metadata{})); rel != Concurrent {
		t.Errorf("Expected Concurrent for missing local version, got %s", rel)
	}
}

func TestVersionRelationHigherCounterPerSource(t *testing.T) {
	// Incoming carries a counter at least as high for every source the local
	// side knows: newer for X, equal for Y.
	incoming := ParseVersionMeta(makeMeta("X", 3, Version{"X", 2}, Version{"Y", 2}))
	local := ParseVersionMeta(makeMeta("Y", 2, Version{"X", 2}))

	if rel := VersionRelation(incoming, local); rel != IncomingDescendsLocal {
		t.Errorf("Expected IncomingDescendsLocal, got %s", rel)
	}
}

func TestMergeHistoriesUnion(t *testing.T) {
	existing := []Version{{"X", 1}, {"X", 2}}
	incoming := []Version{{"Y", 1}, {"X", 2}}

	merged := MergeHistories(existing, incoming, DefaultHistoryMax)
	expected := []Version{{"X", 1}, {"X", 2}, {"Y", 1}}

	if len(merged) != len(expected) {
		t.Fatalf("Expected %d entries, got %d", len(expected), len(merged))
	}
	for i, v := range expected {
		if !merged[i].Equal(v) {
			t.Errorf("Entry %d: expected %s, got %s", i, v.Key(), merged[i].Key())
		}
	}
}

func TestMergeHistoriesCapsOldestFirst(t *testing.T) {
	var existing []Version
	for i := int64(1); i <= 4; i++ {
		existing = append(existing, Version{"X", i})
	}
	merged := MergeHistories(existing, []Version{{"Y", 1}}, 3)

	if len(merged) != 3 {
		t.Fatalf("Expected capped length 3, got %d", len(merged))
	}
	if !merged[0].Equal(Version{"X", 3}) {
		t.Errorf("Expected oldest entries evicted first, got %s at head", merged[0].Key())
	}
	if !merged[2].Equal(Version{"Y", 1}) {
		t.Errorf("Expected newest entry retained, got %s at tail", merged[2].Key())
	}
}

func TestHistoryRoundTripThroughJSON(t *testing.T) {
	meta := makeMeta("X", 2, Version{"X", 1}, Version{"Y", 7})

	// Simulate a trip over the wire.
	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}
	var decoded Metadata
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	vm := ParseVersionMeta(decoded)
	if vm.Version.Source != "X" || vm.Version.Counter != 2 {
		t.Errorf("Expected version X:2, got %s", vm.Version.Key())
	}
	if len(vm.History) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(vm.History))
	}
	if !vm.History[1].Equal(Version{"Y", 7}) {
		t.Errorf("Expected Y:7, got %s", vm.History[1].Key())
	}
}

func TestParseVersionMetaFlags(t *testing.T) {
	meta := makeMeta("X", 1)
	meta[MetaDeleteMarker] = true
	meta[MetaReplicationConflict] = true

	vm := ParseVersionMeta(meta)
	if !vm.Deleted {
		t.Error("Expected Deleted to be true")
	}
	if !vm.Conflicted {
		t.Error("Expected Conflicted to be true")
	}
}

func TestCapHistoryNoopWithinBound(t *testing.T) {
	history := []Version{{"X", 1}, {"X", 2}}
	capped := CapHistory(history, 5)
	if len(capped) != 2 {
		t.Errorf("Expected history untouched, got %d entries", len(capped))
	}
}

func TestConflictArtifactID(t *testing.T) {
	if got := ConflictArtifactID("users/1", "replica-b"); got != "users/1/conflicts/replica-b" {
		t.Errorf("Unexpected artifact id %s", got)
	}
}
