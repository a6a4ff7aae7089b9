package daemon

import (
	"testing"

	"plast/internal/protocol"
)

func TestIDQueueFIFOAndRemove(t *testing.T) {
	var q idQueue
	q.pushBack(1)
	q.pushBack(2)
	q.pushBack(3)

	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}
	if !q.removeID(2) {
		t.Fatal("expected to remove id 2 out of FIFO order")
	}
	if q.removeID(2) {
		t.Fatal("removing an already-removed id should report false")
	}

	first, ok := q.popFront()
	if !ok || first != 1 {
		t.Fatalf("popFront = %d, %v; want 1, true", first, ok)
	}
	second, ok := q.popFront()
	if !ok || second != 3 {
		t.Fatalf("popFront = %d, %v; want 3, true", second, ok)
	}
	if !q.empty() {
		t.Fatal("expected queue to be empty")
	}
	if _, ok := q.popFront(); ok {
		t.Fatal("popFront on an empty queue should report false")
	}
}

func TestBuildingIndexTombstoneSkip(t *testing.T) {
	b := newBuildingIndex()
	b.add(&Building{JobID: 1, Serial: 0})
	b.add(&Building{JobID: 2, Serial: 0})
	b.add(&Building{JobID: 3, Serial: 0})

	b.remove(2) // simulate job 2 finishing before the sweep runs

	var seen []JobID
	b.sweepOldestFirst(func(e *Building) { seen = append(seen, e.JobID) })

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 3 {
		t.Fatalf("sweepOldestFirst visited %v, want [1 3] (tombstone for 2 skipped)", seen)
	}

	if _, ok := b.get(2); ok {
		t.Fatal("expected job 2 to be gone from the index")
	}
	if _, ok := b.get(1); !ok {
		t.Fatal("expected job 1 to still be tracked")
	}
}

func TestPendingBuildTablePerKeyIsolation(t *testing.T) {
	tbl := newPendingBuildTable()
	keyA := protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"}
	keyB := protocol.CompilerKey{Type: protocol.CompilerClang, Major: 15, Target: "x86_64-linux-gnu"}

	tbl.queueFor(keyA).pushBack(1)
	tbl.queueFor(keyA).pushBack(2)
	tbl.queueFor(keyB).pushBack(3)

	if tbl.totalLen() != 3 {
		t.Fatalf("totalLen = %d, want 3", tbl.totalLen())
	}
	if tbl.queueFor(keyA).len() != 2 {
		t.Fatalf("keyA queue len = %d, want 2", tbl.queueFor(keyA).len())
	}
	id, ok := tbl.queueFor(keyB).popFront()
	if !ok || id != 3 {
		t.Fatalf("keyB popFront = %d, %v; want 3, true", id, ok)
	}
}
