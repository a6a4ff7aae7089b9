package daemon

import (
	"net"
	"testing"

	"plast/internal/common"
	"plast/internal/protocol"
	"plast/internal/registry"
)

var testKey = protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	reg, err := registry.New(t.TempDir())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	reg.Init(testKey, registry.Record{Path: "/usr/bin/cc"})

	log, err := common.MakeLogger("", -1)
	if err != nil {
		t.Fatalf("MakeLogger: %v", err)
	}

	cfg := DefaultConfig()
	cfg.SocketPath = "" // unused: tests drive handlers directly, never call Run()
	return New(cfg, log, reg)
}

// newShimPipe returns a shimConnection wired to one end of a net.Pipe; the caller reads
// from the returned net.Conn to observe what the daemon sends back to the shim.
func newShimPipe(t *testing.T) (*shimConnection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	return &shimConnection{conn: server, listener: &shimListener{}}, client
}

// newPeerPipe returns a peerConnection (as seen by the daemon under test) wired to one
// end of a net.Pipe, and the raw net.Conn for the simulated peer on the other end.
func newPeerPipe(t *testing.T, connID uint64) (*peerConnection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })
	return &peerConnection{connID: connID, conn: server, address: "10.0.0.2:5167"}, client
}

// readClientJobResponse starts draining the pipe in a goroutine before calling send, so the
// daemon's blocking net.Pipe write inside send doesn't deadlock against this test goroutine.
func readClientJobResponse(t *testing.T, client net.Conn, send func()) *protocol.ClientJobResponse {
	t.Helper()
	done := make(chan *protocol.ClientJobResponse, 1)
	go func() {
		msg, err := protocol.ReadFrame(client)
		if err != nil {
			done <- nil
			return
		}
		resp, _ := msg.(*protocol.ClientJobResponse)
		done <- resp
	}()
	send()
	resp := <-done
	if resp == nil {
		t.Fatal("expected a ClientJobResponse, got none")
	}
	return resp
}

func readJobResponse(t *testing.T, client net.Conn, send func()) *protocol.JobResponse {
	t.Helper()
	done := make(chan *protocol.JobResponse, 1)
	go func() {
		msg, err := protocol.ReadFrame(client)
		if err != nil {
			done <- nil
			return
		}
		resp, _ := msg.(*protocol.JobResponse)
		done <- resp
	}()
	send()
	resp := <-done
	if resp == nil {
		t.Fatal("expected a JobResponse, got none")
	}
	return resp
}

// S1: happy local compile, no peer ever involved.
func TestScenarioHappyLocal(t *testing.T) {
	d := newTestDaemon(t)
	sc, client := newShimPipe(t)

	d.handleClientJob(sc, &protocol.ClientJob{
		Argv:             []string{"cc", "-c", "foo.c", "-o", "foo.o"},
		ResolvedCompiler: "/usr/bin/cc",
		Cwd:              "/work",
	})

	id := sc.jobID
	job, ok := d.store.get(id)
	if !ok || job.Status != StatusPendingPreprocessing {
		t.Fatalf("job status = %v, want PendingPreprocessing", job.Status)
	}
	if d.pendingPreprocess.empty() {
		t.Fatal("expected the job queued for preprocessing")
	}

	d.preprocessing[id] = struct{}{}
	d.pendingPreprocess.popFront()
	d.handlePreprocessDone(id, job.Serial, processResult{exitCode: 0, output: []byte("preprocessed text")})

	if job.Status != StatusPendingCompiling {
		t.Fatalf("job status = %v, want PendingCompiling", job.Status)
	}

	d.compiling[id] = struct{}{}
	d.pendingCompile.popFront()
	resp := readClientJobResponse(t, client, func() {
		d.handleCompileDone(id, job.Serial, processResult{exitCode: 0, stdout: []byte("ok\n")})
	})
	if !resp.Final || resp.ExitCode != 0 || string(resp.Stdout) != "ok\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, ok := d.store.get(id); ok {
		t.Fatal("expected the finished job to be removed from the store")
	}
}

// S2: a peer serves a JobMessage on our behalf and answers with JobResponse.
func TestScenarioHappyRemote(t *testing.T) {
	d := newTestDaemon(t)
	pc, client := newPeerPipe(t, 7)
	d.peers.byConnID[7] = &Peer{conn: pc}

	d.handleJobMessage(7, pc, &protocol.JobMessage{
		ID:           42,
		Serial:       0,
		CompilerKey:  testKey,
		Preprocessed: []byte("preprocessed text"),
		Argv:         []string{"-c", "foo.c", "-o", "foo.o"},
		OutputPath:   "foo.o",
		RemoteName:   "other-host",
	})

	var job *Job
	for _, j := range d.store.jobs {
		job = j
	}
	if job == nil || job.Origin != OriginRemote || job.Status != StatusPendingCompiling {
		t.Fatalf("expected one Remote job in PendingCompiling, got %+v", job)
	}
	if job.OriginJobID != 42 || job.OriginConnID != 7 {
		t.Fatalf("OriginJobID/OriginConnID = %d/%d, want 42/7", job.OriginJobID, job.OriginConnID)
	}

	d.compiling[job.ID] = struct{}{}
	d.pendingCompile.removeID(job.ID)
	resp := readJobResponse(t, client, func() {
		d.handleCompileDone(job.ID, job.Serial, processResult{exitCode: 0, output: []byte("object bytes")})
	})
	if resp.ID != 42 || resp.Mode != protocol.JobResponseCompiled || string(resp.Payload) != "object bytes" {
		t.Fatalf("unexpected JobResponse: %+v", resp)
	}
	if _, ok := d.store.get(job.ID); ok {
		t.Fatal("expected the Remote job to be removed from the store once answered")
	}
}

// S3: a job stuck RemotePending past its deadline gets rescheduled.
func TestScenarioRescheduleAfterSlowPeer(t *testing.T) {
	d := newTestDaemon(t)
	sc, _ := newShimPipe(t)

	d.handleClientJob(sc, &protocol.ClientJob{
		Argv:             []string{"cc", "-c", "foo.c", "-o", "foo.o"},
		ResolvedCompiler: "/usr/bin/cc",
		Cwd:              "/work",
	})
	id := sc.jobID
	job, _ := d.store.get(id)
	job.CompilerKey = testKey
	job.Preprocessed = []byte("preprocessed text")
	job.preprocessBufferReleased = false
	d.preprocessPendingCount = 1
	job.Status = StatusRemotePending
	d.building.add(&Building{StartedMonotonicMs: nowMs() - 999_999, JobID: id, Serial: job.Serial, PeerConnID: 3})

	d.sweepReschedule()

	if job.Serial != 1 {
		t.Fatalf("Serial = %d, want 1 after one reschedule", job.Serial)
	}
	if job.Status != StatusPendingCompiling {
		t.Fatalf("job status = %v, want PendingCompiling (re-entered with preprocessed bytes still held)", job.Status)
	}
	if _, ok := d.building.get(id); ok {
		t.Fatal("expected the stale Building entry to be gone")
	}
	if d.preprocessPendingCount != 0 {
		t.Fatalf("preprocessPendingCount = %d, want 0 (released on reschedule)", d.preprocessPendingCount)
	}
	if !job.preprocessBufferReleased {
		t.Fatal("expected the preprocess buffer to be marked released")
	}
}

// spec.md §4.3: a Local job reaching Preprocessed while the compile pool is idle is kept
// local only, never advertised to peers.
func TestBackpressureKeepsJobLocalWhenPoolIdle(t *testing.T) {
	d := newTestDaemon(t)
	sc, _ := newShimPipe(t)

	d.handleClientJob(sc, &protocol.ClientJob{
		Argv:             []string{"cc", "-c", "foo.c", "-o", "foo.o"},
		ResolvedCompiler: "/usr/bin/cc",
		Cwd:              "/work",
	})
	id := sc.jobID
	job, _ := d.store.get(id)
	job.CompilerKey = testKey

	d.preprocessing[id] = struct{}{}
	d.handlePreprocessDone(id, job.Serial, processResult{exitCode: 0, output: []byte("pp")})

	if d.pendingBuild.queueFor(testKey).len() != 0 {
		t.Fatal("expected the job to stay off pending_build while the compile pool is idle")
	}
}

// spec.md §4.3: the same job, reaching Preprocessed while another compile is already
// running locally, is eligible and gets advertised.
func TestBackpressureAdvertisesWhenPoolBusy(t *testing.T) {
	d := newTestDaemon(t)
	sc, _ := newShimPipe(t)

	d.handleClientJob(sc, &protocol.ClientJob{
		Argv:             []string{"cc", "-c", "foo.c", "-o", "foo.o"},
		ResolvedCompiler: "/usr/bin/cc",
		Cwd:              "/work",
	})
	id := sc.jobID
	job, _ := d.store.get(id)
	job.CompilerKey = testKey

	d.compiling[JobID(999)] = struct{}{} // simulate an already-busy compile pool
	d.preprocessing[id] = struct{}{}
	d.handlePreprocessDone(id, job.Serial, processResult{exitCode: 0, output: []byte("pp")})

	if d.pendingBuild.queueFor(testKey).len() != 1 {
		t.Fatal("expected the job to enter pending_build once the compile pool is busy")
	}
}

// S4: local compile finishes first; a late remote JobResponse for the same job is a no-op.
func TestScenarioLocalSpeculationWins(t *testing.T) {
	d := newTestDaemon(t)
	sc, client := newShimPipe(t)

	d.handleClientJob(sc, &protocol.ClientJob{
		Argv:             []string{"cc", "-c", "foo.c", "-o", "foo.o"},
		ResolvedCompiler: "/usr/bin/cc",
		Cwd:              "/work",
	})
	id := sc.jobID
	job, _ := d.store.get(id)
	job.CompilerKey = testKey
	job.Status = StatusPendingCompiling
	job.markSentTo(9) // shipped to a peer too, dual-track

	resp := readClientJobResponse(t, client, func() {
		d.handleCompileDone(id, job.Serial, processResult{exitCode: 0, stdout: []byte("local won\n")})
	})
	if !resp.Final || string(resp.Stdout) != "local won\n" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if !job.finishedLocally {
		t.Fatal("expected finishedLocally to be set")
	}

	// The remote side answers late: the job is already gone, so this must be a no-op,
	// not a panic or a second shim response.
	d.handleJobResponse(9, &protocol.JobResponse{ID: uint64(id), Serial: job.Serial, Mode: protocol.JobResponseCompiled, Payload: []byte("too late")})

	if _, ok := d.store.get(id); ok {
		t.Fatal("job should already be gone; a late remote response must not resurrect it")
	}
}

// S5: the shim disconnects mid-compile; the job is cancelled and any peer serving it is
// told to discard it.
func TestScenarioShimDisconnectMidCompile(t *testing.T) {
	d := newTestDaemon(t)
	sc, _ := newShimPipe(t)
	pc, peerClient := newPeerPipe(t, 5)
	d.peers.byConnID[5] = &Peer{conn: pc}

	d.handleClientJob(sc, &protocol.ClientJob{
		Argv:             []string{"cc", "-c", "foo.c", "-o", "foo.o"},
		ResolvedCompiler: "/usr/bin/cc",
		Cwd:              "/work",
	})
	id := sc.jobID
	job, _ := d.store.get(id)
	job.Status = StatusPreprocessing
	d.preprocessing[id] = struct{}{}
	job.markSentTo(5)

	done := make(chan *protocol.JobDiscarded, 1)
	go func() {
		msg, err := protocol.ReadFrame(peerClient)
		if err != nil {
			done <- nil
			return
		}
		jd, _ := msg.(*protocol.JobDiscarded)
		done <- jd
	}()

	d.handleShimClosed(sc)

	jd := <-done
	if jd == nil || jd.ID != uint64(id) {
		t.Fatalf("expected JobDiscarded{ID: %d} sent to the serving peer, got %+v", id, jd)
	}
	if _, ok := d.store.get(id); ok {
		t.Fatal("expected the cancelled job to be removed from the store")
	}
	if _, ok := d.preprocessing[id]; ok {
		t.Fatal("expected the job to be dropped from the in-flight preprocessing set")
	}
}

// S6: the peer we shipped a job to disconnects; the job is hard-rescheduled.
func TestScenarioPeerCrashDuringServing(t *testing.T) {
	d := newTestDaemon(t)
	sc, _ := newShimPipe(t)

	d.handleClientJob(sc, &protocol.ClientJob{
		Argv:             []string{"cc", "-c", "foo.c", "-o", "foo.o"},
		ResolvedCompiler: "/usr/bin/cc",
		Cwd:              "/work",
	})
	id := sc.jobID
	job, _ := d.store.get(id)
	job.CompilerKey = testKey
	job.Preprocessed = []byte("preprocessed text")
	job.Status = StatusRemotePending
	job.markSentTo(11)
	d.peers.byConnID[11] = &Peer{}
	d.building.add(&Building{StartedMonotonicMs: nowMs(), JobID: id, Serial: job.Serial, PeerConnID: 11})
	d.outstandingRequest["req-1"] = &OutstandingJobRequest{RequestID: "req-1", PeerConnID: 11, CompilerKey: testKey}

	d.handlePeerClosed(11)

	if job.Serial != 1 {
		t.Fatalf("Serial = %d, want 1", job.Serial)
	}
	if job.Status != StatusPendingCompiling {
		t.Fatalf("job status = %v, want PendingCompiling", job.Status)
	}
	if _, ok := d.building.get(id); ok {
		t.Fatal("expected the Building entry tied to the dead connection to be gone")
	}
	if _, ok := d.outstandingRequest["req-1"]; ok {
		t.Fatal("expected the outstanding request to that peer to be dropped")
	}
	if _, ok := d.peers.byConnID[11]; ok {
		t.Fatal("expected the dead peer connection to be dropped from the table")
	}
}
