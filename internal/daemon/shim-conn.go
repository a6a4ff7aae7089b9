package daemon

import (
	"net"
	"os"
	"sync/atomic"
	"time"

	"plast/internal/protocol"
)

// shimListener accepts connections from plastc invocations on a unix socket, grounded on
// the teacher's DaemonUnixSockListener but speaking the length-prefixed protocol package
// instead of the \b\0-delimited string format (SPEC_FULL.md §3/§9).
type shimListener struct {
	net.Listener
	activeConnections int32
	lastActivity       int64 // unix millis, atomic
}

func newShimListener(socketPath string) (*shimListener, error) {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	return &shimListener{Listener: ln, lastActivity: time.Now().UnixMilli()}, nil
}

// acceptLoop runs in its own goroutine for the daemon's lifetime; every accepted
// connection gets its own shimConnection read/write goroutines, mirroring the
// one-goroutine-per-nocc-invocation style of daemon-sock.go.
func (l *shimListener) acceptLoop(events chan<- daemonEvent, quit <-chan struct{}) {
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
		atomic.AddInt32(&l.activeConnections, 1)
		atomic.StoreInt64(&l.lastActivity, time.Now().UnixMilli())
		sc := &shimConnection{conn: conn, listener: l}
		events <- daemonEvent{kind: evShimConnected, shimConn: sc}
		go sc.readLoop(events)
	}
}

// idleFor reports how long it has been since the last shim connected or disconnected,
// with zero active connections right now — the quiesce gate from SPEC_FULL.md §6.
func (l *shimListener) idleFor() time.Duration {
	if atomic.LoadInt32(&l.activeConnections) > 0 {
		return 0
	}
	return time.Since(time.UnixMilli(atomic.LoadInt64(&l.lastActivity)))
}

// shimConnection is one plastc invocation: exactly one ClientJob in, a stream of
// ClientJobResponse out, terminated by Final=true (spec.md §4.4 item 1).
type shimConnection struct {
	conn     net.Conn
	listener *shimListener
	jobID    JobID // assigned once the ClientJob is decoded and a Job is created
}

func (sc *shimConnection) readLoop(events chan<- daemonEvent) {
	defer func() {
		atomic.AddInt32(&sc.listener.activeConnections, -1)
		atomic.StoreInt64(&sc.listener.lastActivity, time.Now().UnixMilli())
	}()
	for {
		msg, err := protocol.ReadFrame(sc.conn)
		if err != nil {
			events <- daemonEvent{kind: evShimClosed, shimConn: sc, err: err}
			return
		}
		events <- daemonEvent{kind: evMessageReceived, shimConn: sc, msg: msg}
		if _, ok := msg.(*protocol.Quit); ok {
			return
		}
	}
}

func (sc *shimConnection) send(msg protocol.Message) error {
	return protocol.WriteFrame(sc.conn, msg)
}

func (sc *shimConnection) close() {
	_ = sc.conn.Close()
}
