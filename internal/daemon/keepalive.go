package daemon

import (
	"time"

	"plast/internal/protocol"
)

// peerPingInterval/peerDeadAfter implement SPEC_FULL.md §6's per-connection idle ping: a
// peer we haven't sent anything to in peerPingInterval gets a fresh Handshake as a
// keepalive; a peer we haven't heard from in peerDeadAfter is presumed dead without waiting
// on the OS-level TCP timeout, which can otherwise take minutes on a half-open connection.
const (
	peerPingInterval = 30 * time.Second
	peerDeadAfter    = 90 * time.Second
)

// sweepPeerIdle runs on a timer (daemon.go's Run). Declaring a peer dead just closes its
// socket: the connection's own readLoop goroutine then observes the read error and delivers
// evPeerClosed the same way a real disconnect would, driving the usual hard-reschedule path
// in handlePeerClosed — there's no separate "dead peer" code path to keep in sync.
func (d *Daemon) sweepPeerIdle() {
	now := nowMs()
	for _, p := range d.peers.byConnID {
		pc := p.conn
		if pc == nil {
			continue
		}
		if now-pc.lastRecvMonotonicMs > peerDeadAfter.Milliseconds() {
			pc.close()
			continue
		}
		if now-pc.lastSentMonotonicMs > peerPingInterval.Milliseconds() {
			_ = pc.send(&protocol.Handshake{Port: int32(d.cfg.PeerPort), Capacity: int32(d.cfg.JobCount), FriendlyName: d.cfg.FriendlyName})
		}
	}
}
