package daemon

import (
	"github.com/gammazero/deque"

	"plast/internal/protocol"
)

// idQueue is a plain FIFO of JobIDs. Pops that land on a job no longer in the expected
// state are skipped by the caller — this is the "weak reference that returns None"
// pattern from spec.md §9, applied uniformly to every queue in the dispatcher.
type idQueue struct {
	d deque.Deque[JobID]
}

func (q *idQueue) pushBack(id JobID)  { q.d.PushBack(id) }
func (q *idQueue) empty() bool        { return q.d.Len() == 0 }
func (q *idQueue) len() int           { return q.d.Len() }

func (q *idQueue) popFront() (JobID, bool) {
	if q.d.Len() == 0 {
		return 0, false
	}
	return q.d.PopFront(), true
}

// removeID scans for id and drops it; used when a job must leave a queue out of FIFO
// order (e.g. a shim disconnect cancels a job sitting mid-queue). O(n), queues are small.
func (q *idQueue) removeID(id JobID) bool {
	for i := 0; i < q.d.Len(); i++ {
		if q.d.At(i) == id {
			q.d.Remove(i)
			return true
		}
	}
	return false
}

// Building records one in-flight remote-pending/remote-receiving job, indexed two ways
// as spec.md §3 prescribes.
type Building struct {
	StartedMonotonicMs int64
	JobID              JobID
	Serial             uint32
	PeerConnID         uint64
}

// buildingIndex is building_by_time ∪ building_by_id from spec.md §3. byTime holds
// JobIDs in dispatch order; a sweep that finds an id missing from byID (because the job
// already finished, was discarded, or was rescheduled and re-appended under a new Serial)
// just skips it.
type buildingIndex struct {
	byID   map[JobID]*Building
	byTime deque.Deque[JobID]
}

func newBuildingIndex() *buildingIndex {
	return &buildingIndex{byID: make(map[JobID]*Building, 64)}
}

func (b *buildingIndex) add(e *Building) {
	b.byID[e.JobID] = e
	b.byTime.PushBack(e.JobID)
}

func (b *buildingIndex) remove(id JobID) {
	delete(b.byID, id)
	// byTime is left with a tombstone; sweepOldestFirst skips ids absent from byID.
}

func (b *buildingIndex) get(id JobID) (*Building, bool) {
	e, ok := b.byID[id]
	return e, ok
}

// sweepOldestFirst calls fn(entry) for every live entry in byTime, oldest first, compacting
// tombstones it encounters along the way so the deque doesn't grow unboundedly.
func (b *buildingIndex) sweepOldestFirst(fn func(*Building)) {
	n := b.byTime.Len()
	seen := make(map[JobID]struct{}, n)
	for i := 0; i < n; i++ {
		id := b.byTime.PopFront()
		e, ok := b.byID[id]
		if !ok {
			continue // tombstone: job finished/rescheduled/discarded since this entry was queued
		}
		if _, dup := seen[id]; dup {
			continue // stale duplicate left by a remove+re-add of the same id
		}
		seen[id] = struct{}{}
		b.byTime.PushBack(id) // live entries stay queued, in their original order
		fn(e)
	}
}

// pendingBuildTable is pending_build[key] from spec.md §3: per-CompilerKey FIFO of Local
// jobs that are Preprocessed and awaiting a remote taker.
type pendingBuildTable struct {
	perKey map[protocol.CompilerKey]*idQueue
}

func newPendingBuildTable() *pendingBuildTable {
	return &pendingBuildTable{perKey: make(map[protocol.CompilerKey]*idQueue)}
}

func (t *pendingBuildTable) queueFor(key protocol.CompilerKey) *idQueue {
	q, ok := t.perKey[key]
	if !ok {
		q = &idQueue{}
		t.perKey[key] = q
	}
	return q
}

func (t *pendingBuildTable) totalLen() int {
	n := 0
	for _, q := range t.perKey {
		n += q.len()
	}
	return n
}

// OutstandingJobRequest is a RequestJobs we sent to a peer, awaiting LastJob/JobMessages
// (spec.md §3). Expires at 10s (spec.md §5).
type OutstandingJobRequest struct {
	RequestID     string
	SentMonotonicMs int64
	PeerConnID    uint64
	CompilerKey   protocol.CompilerKey
	Count         int32
}

const outstandingJobRequestTimeoutMs = 10_000
