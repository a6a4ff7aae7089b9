// Package scheduler implements plasts: the stateless central broker described in
// spec.md §4.9. It keeps no Job state of its own — only a live peer registry — and simply
// relays every HasJobs advertisement it receives to every other connected peer, fan-out
// style, mirroring the teacher's NoccServer/ActiveClients entrypoint shape without any of
// its session/cache machinery (there's nothing here to cache: the scheduler never sees job
// bytes, only advertisements).
package scheduler

import (
	"net"
	"sync"

	"plast/internal/common"
	"plast/internal/protocol"
)

// Scheduler accepts one long-lived connection per daemon on the network. Unlike the
// daemon's single-goroutine design, the scheduler keeps no per-job state, so each
// connection is served by its own goroutine guarded only by the peers map's mutex
// (spec.md §7 "Scheduler is multi-connection").
type Scheduler struct {
	log *common.LoggerWrapper

	mu       sync.RWMutex
	peers    map[uint64]*peerConn
	nextConn uint64

	listener net.Listener
	quit     chan struct{}
}

// peerConn is one connected daemon, tracked only long enough to relay HasJobs fan-out and
// to answer nothing else — the scheduler never parses JobMessage/JobResponse, they never
// cross it.
type peerConn struct {
	id           uint64
	conn         net.Conn
	friendlyName string
	address      string
	port         int32
}

func New(log *common.LoggerWrapper) *Scheduler {
	return &Scheduler{
		log:   log,
		peers: make(map[uint64]*peerConn),
		quit:  make(chan struct{}),
	}
}

// ListenAndServe binds listenAddr and accepts connections until Quit is called.
func (s *Scheduler) ListenAndServe(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info(0, "plasts listening on", listenAddr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.log.Error("accept error:", err)
				continue
			}
		}
		go s.serve(conn)
	}
}

// Quit stops accepting connections and closes every peer socket.
func (s *Scheduler) Quit() {
	close(s.quit)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		_ = p.conn.Close()
	}
}

// PeerCount reports the number of currently connected daemons.
func (s *Scheduler) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

func (s *Scheduler) serve(conn net.Conn) {
	s.mu.Lock()
	s.nextConn++
	pc := &peerConn{id: s.nextConn, conn: conn, address: conn.RemoteAddr().String()}
	s.peers[pc.id] = pc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, pc.id)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		s.handleMessage(pc, msg)
	}
}

func (s *Scheduler) handleMessage(pc *peerConn, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Peer:
		s.mu.Lock()
		pc.friendlyName = m.FriendlyName
		pc.port = m.Port
		s.mu.Unlock()
		s.log.Info(1, "peer registered:", m.FriendlyName, pc.address)
	case *protocol.HasJobs:
		s.fanOutHasJobs(pc, m)
	case *protocol.BuildingEvent:
		// stats-only, no state kept (spec.md §4.4 item 3 "out of core scope")
	case *protocol.Quit:
		// let the read loop's next ReadFrame EOF tear the connection down
	}
}
