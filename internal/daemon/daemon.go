package daemon

import (
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/go-multierror"

	"plast/internal/common"
	"plast/internal/protocol"
	"plast/internal/registry"
)

// Daemon is plastd: one per host, owning the whole job state machine and every connection
// (spec.md §2, §5). Every field below is touched only from the goroutine running Run — see
// the package doc comment in job.go.
type Daemon struct {
	cfg Config
	log *common.LoggerWrapper
	reg *registry.Registry

	store *JobStore

	pendingPreprocess *idQueue
	preprocessing     map[JobID]struct{}
	pendingCompile    *idQueue
	compiling         map[JobID]struct{}

	pendingBuild *pendingBuildTable
	building     *buildingIndex

	preprocessPendingCount int // Local jobs in Preprocessed ∪ RemotePending, gates §4.7
	preprocessHold         *idQueue

	peers              *peerTable
	scheduler          *schedulerConnection
	outstandingRequest map[string]*OutstandingJobRequest

	preprocessPool *Pool
	compilePool    *Pool
	procs          *procTracker

	shimListener *shimListener
	peerListener *peerListener
	shimOf       map[JobID]*shimConnection

	events chan daemonEvent
	quit   chan struct{}

	started time.Time
	errs    *multierror.Error
}

func New(cfg Config, log *common.LoggerWrapper, reg *registry.Registry) *Daemon {
	return &Daemon{
		cfg:                cfg,
		log:                log,
		reg:                reg,
		store:              newJobStore(),
		pendingPreprocess:  &idQueue{},
		preprocessing:      make(map[JobID]struct{}),
		pendingCompile:     &idQueue{},
		compiling:          make(map[JobID]struct{}),
		pendingBuild:       newPendingBuildTable(),
		building:           newBuildingIndex(),
		preprocessHold:     &idQueue{},
		peers:              newPeerTable(),
		outstandingRequest: make(map[string]*OutstandingJobRequest),
		preprocessPool:     newPool(cfg.PreprocessCount),
		compilePool:        newPool(cfg.JobCount),
		procs:              newProcTracker(),
		events:             make(chan daemonEvent, 256),
		quit:               make(chan struct{}),
		shimOf:             make(map[JobID]*shimConnection),
		started:            time.Now(),
	}
}

// Run starts every listener/connection goroutine and processes events until Quit is
// called. It returns the aggregated error, if any connection setup failed.
func (d *Daemon) Run() error {
	sl, err := newShimListener(d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on shim socket %s: %w", d.cfg.SocketPath, err)
	}
	d.shimListener = sl
	go sl.acceptLoop(d.events, d.quit)

	if d.cfg.PeerPort != 0 {
		pl, err := newPeerListener(fmt.Sprintf(":%d", d.cfg.PeerPort))
		if err != nil {
			return fmt.Errorf("listen on peer port %d: %w", d.cfg.PeerPort, err)
		}
		d.peerListener = pl
		go pl.acceptLoop(d.events, d.peers.nextConnID, d.quit)
	}

	if d.cfg.SchedulerAddr != "" {
		go runSchedulerConn(dialAddr(d.cfg.SchedulerAddr, 5166), d.events, d.quit, d.log) // 5166: plasts default port
	}

	rescheduleTicker := time.NewTicker(d.cfg.rescheduleCheckInterval())
	defer rescheduleTicker.Stop()
	quiesceTicker := time.NewTicker(5 * time.Second)
	defer quiesceTicker.Stop()
	requestExpiryTicker := time.NewTicker(2 * time.Second)
	defer requestExpiryTicker.Stop()
	peerIdleTicker := time.NewTicker(10 * time.Second)
	defer peerIdleTicker.Stop()

	for {
		select {
		case ev := <-d.events:
			d.handleEvent(ev)
			d.dispatchStartJobs()
		case <-rescheduleTicker.C:
			d.sweepReschedule()
			d.dispatchStartJobs()
		case <-requestExpiryTicker.C:
			d.sweepExpiredRequests()
		case <-quiesceTicker.C:
			d.checkQuiesce()
		case <-peerIdleTicker.C:
			d.handleEvent(daemonEvent{kind: evTimerFired, timer: timerPeerIdlePing})
		case <-d.quit:
			return d.errs.ErrorOrNil()
		}
	}
}

// Quit requests an orderly shutdown: stop accepting new work, let in-flight pool tasks
// drain, close every connection.
func (d *Daemon) Quit(reason string) {
	d.log.Info(0, "quitting:", reason)
	close(d.quit)
	if d.shimListener != nil {
		_ = d.shimListener.Close()
	}
	if d.peerListener != nil {
		_ = d.peerListener.Close()
	}
	for _, p := range d.peers.byConnID {
		if p.conn != nil {
			p.conn.close()
		}
	}
	if d.scheduler != nil {
		_ = d.scheduler.conn.Close()
	}
	d.preprocessPool.Stop()
	d.compilePool.Stop()
}

func (d *Daemon) addErr(err error) {
	if err == nil {
		return
	}
	d.errs = multierror.Append(d.errs, err)
}

// checkQuiesce implements SPEC_FULL.md §6's self-quiesce: a daemon configured with a
// scheduler address, with zero shim connections for 15s straight and an empty job store,
// shuts itself down, grounded on the teacher's EnterInfiniteLoopUntilQuit 15s idle check.
// A daemon without a scheduler address never quiesces.
func (d *Daemon) checkQuiesce() {
	if d.cfg.SchedulerAddr == "" {
		return // only daemons that advertise to a scheduler are expected to quiesce
	}
	if d.shimListener.idleFor() > 15*time.Second && d.store.len() == 0 {
		d.Quit("no shim connections for 15s")
	}
}

func (d *Daemon) handleEvent(ev daemonEvent) {
	switch ev.kind {
	case evShimConnected:
		// nothing to do until the ClientJob message arrives
	case evShimClosed:
		d.handleShimClosed(ev.shimConn)
	case evPeerConnected:
		d.peers.bind(ev.connID, d.peers.getOrCreate(peerAddrOf(ev.peerConn)))
		if p, ok := d.peers.byConn(ev.connID); ok {
			p.conn = ev.peerConn
		}
	case evPeerClosed:
		d.handlePeerClosed(ev.connID)
	case evSchedulerConnected:
		d.scheduler = ev.schedulerConn
		d.sendPeerAnnouncement()
	case evSchedulerClosed:
		d.scheduler = nil
	case evMessageReceived:
		d.handleMessage(ev)
	case evPreprocessDone:
		d.handlePreprocessDone(ev.jobID, ev.serial, ev.result)
	case evCompileDone:
		d.handleCompileDone(ev.jobID, ev.serial, ev.result)
	case evTimerFired:
		if ev.timer == timerPeerIdlePing {
			d.sweepPeerIdle()
		}
	}
}

func peerAddrOf(pc *peerConnection) string {
	if pc == nil {
		return ""
	}
	return pc.address
}

func (d *Daemon) handleMessage(ev daemonEvent) {
	if ev.peerConn != nil {
		ev.peerConn.lastRecvMonotonicMs = nowMs()
	}
	switch msg := ev.msg.(type) {
	case *protocol.ClientJob:
		d.handleClientJob(ev.shimConn, msg)
	case *protocol.Quit:
		// shim or peer requested an orderly close; the read loop already treats this as EOF-like
	case *protocol.Handshake:
		d.handlePeerHandshake(ev.connID, ev.peerConn, msg)
	case *protocol.HasJobs:
		if ev.connID == schedulerConnID {
			d.handleHasJobsFromScheduler(msg)
		}
	case *protocol.RequestJobs:
		d.handleRequestJobs(ev.connID, ev.peerConn, msg)
	case *protocol.LastJob:
		d.handleLastJob(ev.connID, msg)
	case *protocol.JobMessage:
		d.handleJobMessage(ev.connID, ev.peerConn, msg)
	case *protocol.JobResponse:
		d.handleJobResponse(ev.connID, msg)
	case *protocol.JobDiscarded:
		d.handleJobDiscarded(msg)
	}
}

// dialAddr formats host:port for net.Dial, accepting either "host" (peer port default) or
// "host:port" as spec.md §6 allows for --server.
func dialAddr(hostPort string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(hostPort); err == nil {
		return hostPort
	}
	return fmt.Sprintf("%s:%d", hostPort, defaultPort)
}
