package daemon

import "plast/internal/protocol"

// daemonEvent is the single typed event every producer goroutine (pool workers, connection
// readers, timers) pushes onto Daemon.events. Only Daemon.Run's goroutine ever reads this
// channel, and only it ever mutates Job/Peer state — this is the "flat dispatch" from
// spec.md §9 DESIGN NOTES, replacing the source's callback graph.
type daemonEvent struct {
	kind eventKind

	// evPreprocessDone / evCompileDone
	jobID  JobID
	serial uint32
	result processResult

	// evMessageReceived: shimConn identifies a shim source; a peer source sets both connID
	// and peerConn; the scheduler source is connID == schedulerConnID
	connID uint64
	msg    protocol.Message

	// evPeerClosed / evShimClosed / evSchedulerClosed
	err error

	// evShimConnected
	shimConn *shimConnection

	// evPeerConnected
	peerConn *peerConnection

	// evSchedulerConnected
	schedulerConn *schedulerConnection

	// evTimerFired
	timer timerKind
}

type eventKind int

const (
	evPreprocessDone eventKind = iota
	evCompileDone
	evMessageReceived
	evShimConnected
	evShimClosed
	evPeerConnected
	evPeerClosed
	evSchedulerConnected
	evSchedulerClosed
	evTimerFired
)

type timerKind int

const (
	timerRescheduleSweep timerKind = iota
	timerRequestExpiry
	timerPeerIdlePing
	timerQuiesceCheck
)

// processResult is what a preprocess/compile pool worker reports back.
type processResult struct {
	exitCode int
	stdout   []byte
	stderr   []byte
	output   []byte // preprocessed bytes, or compiled object bytes
	err      error  // infrastructure error: spawn failure, temp file failure, etc.
}
