package daemon

import (
	"net"
	"time"

	"plast/internal/common"
	"plast/internal/protocol"
)

// schedulerConnection is the daemon's single connection to plasts. It reconnects with
// exponential backoff (1s up to 5min, spec.md §5) and re-sends its Peer announcement on
// every successful reconnect, since the scheduler keeps no state across connections.
type schedulerConnection struct {
	conn    net.Conn
	address string
}

const (
	schedulerBackoffMin = 1 * time.Second
	schedulerBackoffMax = 5 * time.Minute
)

func (sc *schedulerConnection) send(msg protocol.Message) error {
	return protocol.WriteFrame(sc.conn, msg)
}

// runSchedulerConn owns the reconnect loop and pushes evSchedulerConnected/evSchedulerClosed
// plus evMessageReceived events (connID 0 is reserved for the scheduler connection, since a
// daemon has exactly one).
func runSchedulerConn(address string, events chan<- daemonEvent, quit <-chan struct{}, log *common.LoggerWrapper) {
	backoff := schedulerBackoffMin
	for {
		select {
		case <-quit:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", address, 5*time.Second)
		if err != nil {
			log.Error("scheduler dial failed:", err)
			if !sleepOrQuit(backoff, quit) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = schedulerBackoffMin
		sc := &schedulerConnection{conn: conn, address: address}
		events <- daemonEvent{kind: evSchedulerConnected, schedulerConn: sc}
		readSchedulerUntilClosed(sc, events, quit)
		_ = conn.Close()

		select {
		case <-quit:
			return
		default:
		}
	}
}

func readSchedulerUntilClosed(sc *schedulerConnection, events chan<- daemonEvent, quit <-chan struct{}) {
	for {
		msg, err := protocol.ReadFrame(sc.conn)
		if err != nil {
			events <- daemonEvent{kind: evSchedulerClosed, err: err}
			return
		}
		events <- daemonEvent{kind: evMessageReceived, connID: schedulerConnID, msg: msg}
	}
}

// schedulerConnID is the reserved pseudo connection id used to route evMessageReceived
// events coming from the scheduler connection through the same dispatch switch as peer
// connections, without conflating it with any real peerTable entry.
const schedulerConnID = 0

func sleepOrQuit(d time.Duration, quit <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-quit:
		return false
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > schedulerBackoffMax {
		return schedulerBackoffMax
	}
	return next
}
