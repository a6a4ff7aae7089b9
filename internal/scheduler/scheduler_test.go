package scheduler

import (
	"net"
	"testing"

	"plast/internal/common"
	"plast/internal/protocol"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	log, err := common.MakeLogger("", -1)
	if err != nil {
		t.Fatalf("MakeLogger: %v", err)
	}
	return New(log)
}

// newPeerConn registers a peerConn against s, wired to one end of a net.Pipe, and returns
// the other end so the test can read whatever the scheduler relays back to it.
func newPeerConn(t *testing.T, s *Scheduler, address string) (*peerConn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = server.Close(); _ = client.Close() })

	s.mu.Lock()
	s.nextConn++
	pc := &peerConn{id: s.nextConn, conn: server, address: address}
	s.peers[pc.id] = pc
	s.mu.Unlock()

	return pc, client
}

func readHasJobs(t *testing.T, conn net.Conn) *protocol.HasJobs {
	t.Helper()
	done := make(chan *protocol.HasJobs, 1)
	go func() {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			done <- nil
			return
		}
		hj, _ := msg.(*protocol.HasJobs)
		done <- hj
	}()
	hj := <-done
	if hj == nil {
		t.Fatal("expected a HasJobs frame, got none")
	}
	return hj
}

func TestPeerRegistrationTracksFriendlyNameAndPort(t *testing.T) {
	s := newTestScheduler(t)
	pc, _ := newPeerConn(t, s, "10.0.0.5:54321")

	s.handleMessage(pc, &protocol.Peer{FriendlyName: "build-node-1", Port: 5167})

	if pc.friendlyName != "build-node-1" || pc.port != 5167 {
		t.Fatalf("peerConn = %+v, want friendlyName=build-node-1 port=5167", pc)
	}
	if s.PeerCount() != 1 {
		t.Fatalf("PeerCount() = %d, want 1", s.PeerCount())
	}
}

// HasJobs fan-out: three daemons connect; one advertises jobs; the other two (and only
// those two) receive a relayed HasJobs carrying the advertiser's dialable address/port,
// never the advertiser itself (spec.md §4.9).
func TestHasJobsFanOutReachesEveryOtherPeer(t *testing.T) {
	s := newTestScheduler(t)
	advertiser, _ := newPeerConn(t, s, "10.0.0.1:9000")
	peerB, connB := newPeerConn(t, s, "10.0.0.2:9001")
	peerC, connC := newPeerConn(t, s, "10.0.0.3:9002")

	s.handleMessage(advertiser, &protocol.Peer{FriendlyName: "advertiser", Port: 5167})

	key := protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"}
	doneB := make(chan *protocol.HasJobs, 1)
	doneC := make(chan *protocol.HasJobs, 1)
	go func() { doneB <- readHasJobs(t, connB) }()
	go func() { doneC <- readHasJobs(t, connC) }()

	s.handleMessage(advertiser, &protocol.HasJobs{CompilerKey: key, Count: 4, Port: 5167})

	hjB := <-doneB
	hjC := <-doneC

	for _, hj := range []*protocol.HasJobs{hjB, hjC} {
		if hj.Count != 4 || hj.CompilerKey != key {
			t.Fatalf("relayed HasJobs = %+v, want Count=4 CompilerKey=%+v", hj, key)
		}
		if hj.PeerAddress != "10.0.0.1" {
			t.Fatalf("PeerAddress = %q, want the advertiser's host 10.0.0.1", hj.PeerAddress)
		}
		if hj.Port != 5167 {
			t.Fatalf("Port = %d, want the advertiser's own advertised port 5167", hj.Port)
		}
	}

	_ = peerB
	_ = peerC
}

func TestHostOfStripsEphemeralPort(t *testing.T) {
	if got := hostOf("10.0.0.9:54321"); got != "10.0.0.9" {
		t.Fatalf("hostOf = %q, want 10.0.0.9", got)
	}
	if got := hostOf("not-a-host-port"); got != "not-a-host-port" {
		t.Fatalf("hostOf on malformed input should pass the string through unchanged, got %q", got)
	}
}

func TestBuildingEventKeepsPeerAndRemovalUpdatesPeerCount(t *testing.T) {
	s := newTestScheduler(t)
	pc, conn := newPeerConn(t, s, "10.0.0.7:1234")
	_ = conn

	s.handleMessage(pc, &protocol.BuildingEvent{Kind: protocol.BuildingStart, JobID: 1})
	if s.PeerCount() != 1 {
		t.Fatalf("BuildingEvent must not itself change peer count, got %d", s.PeerCount())
	}

	s.mu.Lock()
	delete(s.peers, pc.id)
	s.mu.Unlock()

	if s.PeerCount() != 0 {
		t.Fatalf("PeerCount() = %d, want 0 after removal", s.PeerCount())
	}
}
