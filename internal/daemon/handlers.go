package daemon

import (
	"os"
	"path/filepath"

	"plast/internal/common"
	"plast/internal/protocol"
)

func writeObjectFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

// handleClientJob creates a new Local Job from a shim's ClientJob and enters it at the
// head of the pipeline: PendingPreprocessing (spec.md §4.1 state diagram).
func (d *Daemon) handleClientJob(sc *shimConnection, msg *protocol.ClientJob) {
	job := d.store.create(OriginLocal)
	job.Argv = msg.Argv
	job.Cwd = msg.Cwd
	job.Env = msg.Env
	job.ResolvedCompilerPath = msg.ResolvedCompiler
	job.CompilerArgs = parseCompilerArgs(msg.Argv)
	job.OutputPath = resolveOutputPath(msg.Argv, job.CompilerArgs, msg.Cwd)
	sc.jobID = job.ID
	d.shimOf[job.ID] = sc

	if key, ok := d.reg.FindByPath(msg.ResolvedCompiler); ok {
		job.CompilerKey = foldMultilibKey(key, job.CompilerArgs.Multilib)
	}

	job.Status = StatusPendingPreprocessing
	d.pendingPreprocess.pushBack(job.ID)
}

// resolveOutputPath mirrors spec.md §4.5 step 1's -o handling to recover the final object
// path the daemon must write to once a remote JobResponse arrives.
func resolveOutputPath(argv []string, args CompilerArgs, cwd string) string {
	if args.ObjectFileIndex >= 0 && args.ObjectFileIndex < len(argv) {
		p := argv[args.ObjectFileIndex]
		if !filepath.IsAbs(p) {
			p = filepath.Join(cwd, p)
		}
		return p
	}
	return ""
}

func (d *Daemon) handleShimClosed(sc *shimConnection) {
	if sc.jobID == 0 {
		return
	}
	job, ok := d.store.get(sc.jobID)
	if !ok {
		return
	}
	delete(d.shimOf, sc.jobID)
	if job.Status.Terminal() {
		return
	}
	// spec.md §5 cancellation semantics: shim gone before terminal state kills any local
	// compile and discards the job on every peer currently serving it.
	d.procs.terminate(job.ID)
	for _, connID := range job.otherPeers(0) {
		if p, ok := d.peers.byConn(connID); ok && p.conn != nil {
			_ = p.conn.send(&protocol.JobDiscarded{ID: uint64(job.ID)})
		}
	}
	d.pendingPreprocess.removeID(job.ID)
	d.pendingCompile.removeID(job.ID)
	d.building.remove(job.ID)
	if job.Status == StatusPreprocessing || job.Status == StatusCompiling {
		delete(d.preprocessing, job.ID)
		delete(d.compiling, job.ID)
	}
	if job.Status != StatusPendingPreprocessing {
		d.releaseJobPreprocessBuffer(job) // a job still PendingPreprocessing was never admitted
	}
	d.store.delete(job.ID)
}

func (d *Daemon) handlePreprocessDone(id JobID, serial uint32, r processResult) {
	delete(d.preprocessing, id)
	d.preprocessPool.inFlight--
	job, ok := d.store.get(id)
	if !ok || job.Serial != serial {
		return // job gone or rescheduled since dispatch
	}
	if r.err != nil || r.exitCode != 0 {
		d.failJob(job, r)
		return
	}
	job.Preprocessed = r.output
	job.Status = StatusPreprocessed
	d.enterPendingCompile(job)
}

// enterPendingCompile fans a freshly-Preprocessed Local job into both the local compile
// queue and, if eligible, the per-key pending_build table: whichever track finishes first
// wins (spec.md §8 S4 "local speculation"). Per spec.md §4.3's backpressure rule, the
// second track only opens up once the local compile pool is actually busy — a job arriving
// while local capacity is idle is kept local, full stop.
func (d *Daemon) enterPendingCompile(job *Job) {
	job.Status = StatusPendingCompiling
	d.pendingCompile.pushBack(job.ID)
	if job.Origin == OriginLocal && eligibleForRemote(job.CompilerArgs) && d.localPoolBusy() {
		d.pendingBuild.queueFor(job.CompilerKey).pushBack(job.ID)
	}
}

// localPoolBusy reports whether the compile pool is not idle (spec.md §4.3): only then may
// a Local job also compete for a remote peer.
func (d *Daemon) localPoolBusy() bool {
	return len(d.compiling) > 0
}

func (d *Daemon) handleCompileDone(id JobID, serial uint32, r processResult) {
	delete(d.compiling, id)
	d.compilePool.inFlight--
	job, ok := d.store.get(id)
	if !ok || job.Serial != serial {
		return
	}
	if job.finishedLocally || job.finishedRemotely {
		return // the other track already won
	}
	if r.err != nil {
		d.failJob(job, r)
		return
	}
	job.finishedLocally = true
	job.Stdout = r.stdout
	job.Stderr = r.stderr
	job.Status = StatusCompiled

	if job.Origin == OriginRemote {
		d.replyCompiledToOrigin(job, r)
		d.store.delete(job.ID)
		return
	}

	d.finishLocalJob(job, r.exitCode, r.stdout, r.stderr)
}

func (d *Daemon) failJob(job *Job, r processResult) {
	job.Status = StatusError
	job.finishedLocally = true
	if job.Origin == OriginRemote {
		d.replyErrorToOrigin(job, r)
		d.store.delete(job.ID)
		return
	}
	exitCode := r.exitCode
	if exitCode == 0 {
		exitCode = 1
	}
	d.finishLocalJob(job, exitCode, r.stdout, r.stderr)
}

// finishLocalJob delivers the terminal response to the shim exactly once and discards the
// job on every other peer it was sent to (spec.md §3 Job invariant).
func (d *Daemon) finishLocalJob(job *Job, exitCode int, stdout, stderr []byte) {
	if job.respondedToShim {
		return
	}
	job.respondedToShim = true

	if sc, ok := d.shimOf[job.ID]; ok {
		_ = sc.send(&protocol.ClientJobResponse{Stdout: stdout, Stderr: stderr, Final: true, ExitCode: int32(exitCode)})
		sc.close()
		delete(d.shimOf, job.ID)
	}
	if exitCode == 0 && job.OutputPath != "" && len(job.ObjectCode) > 0 {
		if err := common.MkdirForFile(job.OutputPath); err == nil {
			_ = writeObjectFile(job.OutputPath, job.ObjectCode)
		}
	}

	for _, connID := range job.otherPeers(0) {
		if p, ok := d.peers.byConn(connID); ok && p.conn != nil {
			_ = p.conn.send(&protocol.JobDiscarded{ID: uint64(job.ID)})
		}
	}
	d.building.remove(job.ID)
	d.pendingBuild.queueFor(job.CompilerKey).removeID(job.ID)
	d.pendingCompile.removeID(job.ID)
	d.releaseJobPreprocessBuffer(job)
	d.store.delete(job.ID)
}

// replyCompiledToOrigin/replyErrorToOrigin answer a JobMessage served on behalf of a peer.
func (d *Daemon) replyCompiledToOrigin(job *Job, r processResult) {
	d.sendToOriginConn(job, &protocol.JobResponse{ID: job.OriginJobID, Serial: job.Serial, Mode: protocol.JobResponseCompiled, Payload: r.output})
}

func (d *Daemon) replyErrorToOrigin(job *Job, r processResult) {
	msg := r.stderr
	if len(msg) == 0 && r.err != nil {
		msg = []byte(r.err.Error())
	}
	d.sendToOriginConn(job, &protocol.JobResponse{ID: job.OriginJobID, Serial: job.Serial, Mode: protocol.JobResponseError, Payload: msg})
}

func (d *Daemon) sendToOriginConn(job *Job, msg *protocol.JobResponse) {
	if p, ok := d.peers.byConn(job.OriginConnID); ok && p.conn != nil {
		_ = p.conn.send(msg)
	}
}

// --- peer protocol handlers --------------------------------------------------

func (d *Daemon) handlePeerHandshake(connID uint64, pc *peerConnection, msg *protocol.Handshake) {
	p, ok := d.peers.byConn(connID)
	if !ok {
		p = d.peers.getOrCreate(peerAddrOf(pc))
		d.peers.bind(connID, p)
		p.conn = pc
	}
	p.FriendlyName = msg.FriendlyName
	p.Capacity = msg.Capacity
}

func (d *Daemon) handleHasJobsFromScheduler(msg *protocol.HasJobs) {
	if _, ok := d.reg.FindByKey(msg.CompilerKey); !ok {
		return // we can't serve this compiler family, ignore the advertisement
	}
	addr := dialAddr(msg.PeerAddress, int(msg.Port))
	p := d.peers.getOrCreate(addr)
	p.noteHasJobs(msg)
	if p.connected() {
		return
	}
	connID := d.peers.nextConnID()
	pc, err := dialPeer(connID, addr)
	if err != nil {
		d.log.Error("dial peer failed:", addr, err)
		return
	}
	d.peers.bind(connID, p)
	p.conn = pc
	go pc.readLoop(d.events)
	_ = pc.send(&protocol.Handshake{Port: int32(d.cfg.PeerPort), Capacity: int32(d.cfg.JobCount), FriendlyName: d.cfg.FriendlyName})
}

func (d *Daemon) handleRequestJobs(connID uint64, pc *peerConnection, msg *protocol.RequestJobs) {
	q := d.pendingBuild.queueFor(msg.CompilerKey)
	granted := int32(0)
	for granted < msg.Count {
		id, ok := q.popFront()
		if !ok {
			break
		}
		job, ok := d.store.get(id)
		if !ok || job.Status != StatusPendingCompiling || job.finishedLocally {
			continue // stale: already finished locally or discarded
		}
		job.markSentTo(connID)
		job.Status = StatusRemotePending
		d.building.add(&Building{StartedMonotonicMs: nowMs(), JobID: job.ID, Serial: job.Serial, PeerConnID: connID})
		_ = pc.send(&protocol.JobMessage{
			ID:           uint64(job.ID),
			Serial:       job.Serial,
			CompilerKey:  job.CompilerKey,
			Preprocessed: job.Preprocessed,
			Argv:         job.Argv,
			OutputPath:   job.OutputPath,
			RemoteName:   d.cfg.FriendlyName,
		})
		granted++
	}
	_ = pc.send(&protocol.LastJob{RequestID: msg.RequestID, CompilerKey: msg.CompilerKey, Granted: granted, HasMore: !q.empty()})
}

func (d *Daemon) handleLastJob(connID uint64, msg *protocol.LastJob) {
	delete(d.outstandingRequest, msg.RequestID)
	if p, ok := d.peers.byConn(connID); ok {
		p.noteLastJob(msg)
	}
}

func (d *Daemon) handleJobMessage(connID uint64, pc *peerConnection, msg *protocol.JobMessage) {
	rec, ok := d.reg.FindByKey(msg.CompilerKey)
	if !ok {
		_ = pc.send(&protocol.JobResponse{ID: msg.ID, Serial: msg.Serial, Mode: protocol.JobResponseError, Payload: []byte("unknown compiler key")})
		return
	}
	job := d.store.create(OriginRemote)
	job.Serial = msg.Serial
	job.Argv = msg.Argv
	job.Preprocessed = msg.Preprocessed
	job.CompilerKey = msg.CompilerKey
	job.ResolvedCompilerPath = rec.Path
	job.Env = rec.Env
	job.OutputPath = msg.OutputPath
	job.RemoteName = msg.RemoteName
	job.OriginJobID = msg.ID
	job.OriginConnID = connID
	job.CompilerArgs = parseCompilerArgs(msg.Argv)
	job.Status = StatusPendingCompiling
	d.pendingCompile.pushBack(job.ID)
}

func (d *Daemon) handleJobResponse(connID uint64, msg *protocol.JobResponse) {
	job, ok := d.store.get(JobID(msg.ID))
	if !ok || job.Serial != msg.Serial {
		return // stale or already gone
	}
	if job.Status == StatusRemotePending {
		job.Status = StatusRemoteReceiving
	}
	d.releaseJobPreprocessBuffer(job)
	switch msg.Mode {
	case protocol.JobResponseStdout:
		job.Stdout = append(job.Stdout, msg.Payload...)
	case protocol.JobResponseStderr:
		job.Stderr = append(job.Stderr, msg.Payload...)
	case protocol.JobResponseCompiled:
		if job.finishedLocally {
			return
		}
		job.finishedRemotely = true
		job.ObjectCode = msg.Payload
		job.Status = StatusCompiled
		d.finishLocalJob(job, 0, job.Stdout, job.Stderr)
	case protocol.JobResponseError:
		if job.finishedLocally {
			return
		}
		job.finishedRemotely = true
		job.Status = StatusError
		d.finishLocalJob(job, 1, job.Stdout, append(job.Stderr, msg.Payload...))
	}
}

func (d *Daemon) handleJobDiscarded(msg *protocol.JobDiscarded) {
	job, ok := d.store.get(JobID(msg.ID))
	if !ok || job.Origin != OriginRemote {
		return
	}
	// spec.md §5: SIGTERM the compile process, if one is running, and drop the job. A late
	// evCompileDone for it is a harmless no-op afterward (serial/id lookup in
	// handleCompileDone misses the deleted job).
	d.procs.terminate(job.ID)
	d.pendingCompile.removeID(job.ID)
	d.store.delete(job.ID)
}
