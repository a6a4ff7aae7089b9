package daemon

import (
	mapset "github.com/deckarep/golang-set/v2"

	"plast/internal/protocol"
)

// Peer is what the local daemon knows about one other daemon on the network: its address,
// the CompilerKeys it has most recently advertised jobs for, and the live connection
// serving it, if one is currently open (spec.md §3 "peer table").
type Peer struct {
	Address      string
	FriendlyName string
	Capacity     int32

	// announced is the set of CompilerKeys this peer has advertised HasJobs for and we
	// have not yet exhausted via RequestJobs/LastJob(HasMore=false) (spec.md §4.5 step 5).
	announced mapset.Set[protocol.CompilerKey]

	// available tracks the last known Count per key, purely advisory: a RequestJobs can
	// always come back with fewer than this, since the peer's queue drains concurrently.
	available map[protocol.CompilerKey]int32

	conn *peerConnection // nil if currently disconnected
}

func newPeer(address string) *Peer {
	return &Peer{
		Address:   address,
		announced: mapset.NewSet[protocol.CompilerKey](),
		available: make(map[protocol.CompilerKey]int32),
	}
}

func (p *Peer) connected() bool { return p.conn != nil }

func (p *Peer) noteHasJobs(msg *protocol.HasJobs) {
	if msg.Count <= 0 {
		p.announced.Remove(msg.CompilerKey)
		delete(p.available, msg.CompilerKey)
		return
	}
	p.announced.Add(msg.CompilerKey)
	p.available[msg.CompilerKey] = msg.Count
}

func (p *Peer) noteLastJob(msg *protocol.LastJob) {
	if !msg.HasMore {
		p.announced.Remove(msg.CompilerKey)
		delete(p.available, msg.CompilerKey)
	}
}

// peerTable indexes Peer by the connection id assigned when its socket was accepted or
// dialed, and by address for scheduler-driven HasJobs lookups (spec.md §4.9).
type peerTable struct {
	byConnID map[uint64]*Peer
	byAddr   map[string]*Peer
	nextConn uint64
}

func newPeerTable() *peerTable {
	return &peerTable{
		byConnID: make(map[uint64]*Peer),
		byAddr:   make(map[string]*Peer),
	}
}

func (t *peerTable) nextConnID() uint64 {
	t.nextConn++
	return t.nextConn
}

func (t *peerTable) getOrCreate(addr string) *Peer {
	if p, ok := t.byAddr[addr]; ok {
		return p
	}
	p := newPeer(addr)
	t.byAddr[addr] = p
	return p
}

func (t *peerTable) bind(connID uint64, p *Peer) {
	t.byConnID[connID] = p
}

func (t *peerTable) byConn(connID uint64) (*Peer, bool) {
	p, ok := t.byConnID[connID]
	return p, ok
}

func (t *peerTable) dropConn(connID uint64) {
	if p, ok := t.byConnID[connID]; ok {
		p.conn = nil
	}
	delete(t.byConnID, connID)
}

// withJobs returns connIDs of connected peers known to have jobs for key. The order follows
// map iteration and is not stable across calls; nothing sorts it.
func (t *peerTable) withJobs(key protocol.CompilerKey) []uint64 {
	var out []uint64
	for connID, p := range t.byConnID {
		if !p.connected() {
			continue
		}
		if n, ok := p.available[key]; ok && n > 0 {
			out = append(out, connID)
		}
	}
	return out
}
