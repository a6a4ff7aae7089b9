package daemon

import (
	"plast/internal/protocol"
)

// dispatchStartJobs is the idempotent dispatcher from spec.md §4.5: called after every
// event and every timer tick, it never assumes anything about what changed and simply
// re-derives what should happen next from current queue state.
func (d *Daemon) dispatchStartJobs() {
	d.drainPreprocessQueue()
	d.drainCompileQueue()
	d.announceToScheduler()
	d.fetchFromPeers()
}

// drainPreprocessQueue is step 1: while |preprocessing| < preprocess_count and
// pending_preprocess is non-empty, pop one and dispatch it to the preprocess pool.
func (d *Daemon) drainPreprocessQueue() {
	for len(d.preprocessing) < d.cfg.PreprocessCount && !d.pendingPreprocess.empty() {
		if !d.admitFromHoldOrQueue() {
			break
		}
	}
}

// admitFromHoldOrQueue pops the next job off pending_preprocess and submits it, unless
// doing so would blow the max_preprocess_pending buffer budget for Local jobs (§4.7), in
// which case it is parked on the hold queue instead and we stop draining.
func (d *Daemon) admitFromHoldOrQueue() bool {
	id, ok := d.pendingPreprocess.popFront()
	if !ok {
		return false
	}
	job, ok := d.store.get(id)
	if !ok || job.Status != StatusPendingPreprocessing {
		return true // stale entry, drop it and keep draining
	}
	if job.Origin == OriginLocal && !d.admitPreprocessBuffer() {
		d.preprocessHold.pushBack(id)
		return false
	}
	d.startPreprocess(job)
	return true
}

func (d *Daemon) startPreprocess(job *Job) {
	job.Status = StatusPreprocessing
	d.preprocessing[job.ID] = struct{}{}
	d.preprocessPool.inFlight++
	task := preprocessTask{
		jobID:    job.ID,
		serial:   job.Serial,
		compiler: job.ResolvedCompilerPath,
		argv:     job.Argv,
		cwd:      job.Cwd,
		env:      job.Env,
	}
	events := d.events
	procs := d.procs
	d.preprocessPool.wp.Submit(func() {
		runPreprocess(d.cfg.TempDirectory, task, procs, func(r processResult) {
			events <- daemonEvent{kind: evPreprocessDone, jobID: task.jobID, serial: task.serial, result: r}
		})
	})
}

// drainCompileQueue is step 2: compiles never start while any preprocess is in flight, and
// are bounded by job_count.
func (d *Daemon) drainCompileQueue() {
	if len(d.preprocessing) > 0 {
		return
	}
	// Re-checks preprocessing each pass: a buffer release can start a held preprocess.
	for len(d.preprocessing) == 0 && len(d.compiling) < d.cfg.JobCount && !d.pendingCompile.empty() {
		id, ok := d.pendingCompile.popFront()
		if !ok {
			break
		}
		job, ok := d.store.get(id)
		if !ok || job.Status != StatusPendingCompiling {
			continue
		}
		d.startCompile(job)
		d.releaseJobPreprocessBuffer(job) // pulled back to run locally (§4.7)
	}
}

func (d *Daemon) startCompile(job *Job) {
	job.Status = StatusCompiling
	d.compiling[job.ID] = struct{}{}
	d.compilePool.inFlight++

	mode := compileLocalMode
	var preprocessed []byte
	if job.Origin == OriginRemote {
		mode = compileRemoteServeMode
		preprocessed = job.Preprocessed
	}
	task := compileTask{
		jobID:        job.ID,
		serial:       job.Serial,
		mode:         mode,
		compiler:     job.ResolvedCompilerPath,
		argv:         job.Argv,
		cwd:          job.Cwd,
		env:          job.Env,
		preprocessed: preprocessed,
	}
	events := d.events
	procs := d.procs
	d.compilePool.wp.Submit(func() {
		runCompile(d.cfg.TempDirectory, task, procs, func(r processResult) {
			events <- daemonEvent{kind: evCompileDone, jobID: task.jobID, serial: task.serial, result: r}
		})
	})
}

// sendPeerAnnouncement sends the one-time Peer message a daemon owes the scheduler right
// after connecting (spec.md §4.4 item 3).
func (d *Daemon) sendPeerAnnouncement() {
	if d.scheduler == nil {
		return
	}
	_ = d.scheduler.send(&protocol.Peer{
		FriendlyName: d.cfg.FriendlyName,
		Port:         int32(d.cfg.PeerPort),
		Jobs:         int32(d.compilePool.Pending()),
	})
}

// announceToScheduler is step 4: publish HasJobs for every non-empty pending_build key on
// each dispatcher pass. It does not check max_preprocess_pending before announcing.
func (d *Daemon) announceToScheduler() {
	if d.scheduler == nil {
		return
	}
	if d.pendingBuild.totalLen() == 0 {
		return
	}
	for key, q := range d.pendingBuild.perKey {
		if q.empty() {
			continue
		}
		_ = d.scheduler.send(&protocol.HasJobs{
			CompilerKey: key,
			Count:       int32(q.len()),
			Port:        int32(d.cfg.PeerPort),
		})
	}
}

// fetchFromPeers is step 5: for every peer known (via HasJobs advertisements relayed by the
// scheduler) to have jobs for a key we can still take, send RequestJobs while our compile
// pool has room under overcommit.
func (d *Daemon) fetchFromPeers() {
	if d.compilePool.Pending() >= d.cfg.JobCount+d.cfg.Overcommit {
		return
	}
	for connID, p := range d.peers.byConnID {
		if !p.connected() {
			continue
		}
		for key, n := range p.available {
			if n <= 0 {
				continue
			}
			if d.hasOutstandingRequestTo(connID, key) {
				continue
			}
			want := d.cfg.JobCount + d.cfg.Overcommit - d.compilePool.Pending()
			if want <= 0 {
				return
			}
			d.sendRequestJobs(connID, p, key, want)
		}
	}
}

func (d *Daemon) hasOutstandingRequestTo(connID uint64, key protocol.CompilerKey) bool {
	for _, r := range d.outstandingRequest {
		if r.PeerConnID == connID && r.CompilerKey == key {
			return true
		}
	}
	return false
}

func (d *Daemon) sendRequestJobs(connID uint64, p *Peer, key protocol.CompilerKey, count int) {
	reqID := newRequestID()
	d.outstandingRequest[reqID] = &OutstandingJobRequest{
		RequestID:       reqID,
		SentMonotonicMs: nowMs(),
		PeerConnID:      connID,
		CompilerKey:     key,
		Count:           int32(count),
	}
	_ = p.conn.send(&protocol.RequestJobs{RequestID: reqID, CompilerKey: key, Count: int32(count)})
}
