package daemon

import (
	"net"
	"time"

	"plast/internal/protocol"
)

// peerConnection is one open socket to another daemon, either accepted on our listen port
// or dialed by us when we first needed to ship work that peer's way (spec.md §4.4 item 2,
// §4.6). Every read is pushed onto the shared events channel; writes happen directly from
// the event-loop goroutine, since only it ever decides what a peer should be told.
type peerConnection struct {
	connID  uint64
	conn    net.Conn
	address string // remote dial address, or accepted conn.RemoteAddr().String()
	dialed  bool   // true if we opened this connection, false if we accepted it

	lastSentMonotonicMs int64
	lastRecvMonotonicMs int64
}

func dialPeer(connID uint64, address string) (*peerConnection, error) {
	conn, err := net.DialTimeout("tcp", address, 5*time.Second)
	if err != nil {
		return nil, err
	}
	now := nowMs()
	return &peerConnection{connID: connID, conn: conn, address: address, dialed: true, lastRecvMonotonicMs: now, lastSentMonotonicMs: now}, nil
}

func acceptedPeer(connID uint64, conn net.Conn) *peerConnection {
	now := nowMs()
	return &peerConnection{connID: connID, conn: conn, address: conn.RemoteAddr().String(), lastRecvMonotonicMs: now, lastSentMonotonicMs: now}
}

func (pc *peerConnection) readLoop(events chan<- daemonEvent) {
	for {
		msg, err := protocol.ReadFrame(pc.conn)
		if err != nil {
			events <- daemonEvent{kind: evPeerClosed, connID: pc.connID, err: err}
			return
		}
		events <- daemonEvent{kind: evMessageReceived, connID: pc.connID, peerConn: pc, msg: msg}
	}
}

func (pc *peerConnection) send(msg protocol.Message) error {
	pc.lastSentMonotonicMs = nowMs()
	return protocol.WriteFrame(pc.conn, msg)
}

func (pc *peerConnection) close() {
	_ = pc.conn.Close()
}

// peerListener accepts inbound connections from other daemons on the configured peer port
// (spec.md §4.4 "daemons also listen for incoming peer connections").
type peerListener struct {
	net.Listener
}

func newPeerListener(addr string) (*peerListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &peerListener{Listener: ln}, nil
}

func (l *peerListener) acceptLoop(events chan<- daemonEvent, nextConnID func() uint64, quit <-chan struct{}) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-quit:
				return
			default:
				continue
			}
		}
		pc := acceptedPeer(nextConnID(), conn)
		events <- daemonEvent{kind: evPeerConnected, connID: pc.connID, peerConn: pc}
		go pc.readLoop(events)
	}
}
