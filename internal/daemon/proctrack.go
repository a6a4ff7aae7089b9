package daemon

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// procTracker lets the event-loop goroutine send SIGTERM to an in-flight compiler process
// group from outside the pool worker that owns it, implementing spec.md §5's cancellation
// rule: a JobDiscarded or a shim disconnect must kill the local compile process, if any.
// Pool workers register their process group as the first thing they do after starting the
// child and unregister it once it exits, so this map is touched by both worker goroutines
// and the event loop and needs its own lock — everything else on Daemon is event-loop-only
// (job.go's package doc).
type procTracker struct {
	mu   sync.Mutex
	pgid map[JobID]int
}

func newProcTracker() *procTracker {
	return &procTracker{pgid: make(map[JobID]int)}
}

func (t *procTracker) register(id JobID, pgid int) {
	t.mu.Lock()
	t.pgid[id] = pgid
	t.mu.Unlock()
}

func (t *procTracker) unregister(id JobID) {
	t.mu.Lock()
	delete(t.pgid, id)
	t.mu.Unlock()
}

// terminate sends SIGTERM to every process in the job's process group, if one is currently
// registered. A job with nothing running (not yet started, or already finished) is a no-op.
// Killing the whole group, not just the compiler driver's own pid, matters because gcc/clang
// commonly fork a cc1/cc1plus child to do the actual work.
func (t *procTracker) terminate(id JobID) {
	t.mu.Lock()
	pgid, ok := t.pgid[id]
	t.mu.Unlock()
	if !ok {
		return
	}
	_ = unix.Kill(-pgid, syscall.SIGTERM)
}
