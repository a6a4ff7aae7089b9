// Package daemon implements plastd: the job state machine and distributed scheduling
// engine described in spec.md §3–§4.9. A single Daemon owns every Job, every peer
// connection, and the connection to the scheduler, and mutates all of that state from one
// goroutine (spec.md §5) — see daemon.go's event loop.
package daemon

import (
	"time"

	"plast/internal/protocol"
)

// JobID is daemon-unique for the lifetime of the process (spec.md §3 invariant).
type JobID uint64

// Origin distinguishes a Job created from a local shim invocation from one created by an
// incoming JobMessage on behalf of a peer (spec.md §3).
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Status is the job lifecycle state set from spec.md §3/§4.1. Compiled and Error are sinks.
type Status int

const (
	StatusIdle Status = iota
	StatusPendingPreprocessing
	StatusPreprocessing
	StatusPreprocessed
	StatusPendingCompiling
	StatusRemotePending
	StatusRemoteReceiving
	StatusCompiling
	StatusCompiled
	StatusError
)

func (s Status) Terminal() bool { return s == StatusCompiled || s == StatusError }

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusPendingPreprocessing:
		return "PendingPreprocessing"
	case StatusPreprocessing:
		return "Preprocessing"
	case StatusPreprocessed:
		return "Preprocessed"
	case StatusPendingCompiling:
		return "PendingCompiling"
	case StatusRemotePending:
		return "RemotePending"
	case StatusRemoteReceiving:
		return "RemoteReceiving"
	case StatusCompiling:
		return "Compiling"
	case StatusCompiled:
		return "Compiled"
	case StatusError:
		return "Error"
	default:
		return "?"
	}
}

// CompilerArgs is the assumed output of the external parse_args(argv) collaborator
// (spec.md §1 "out of scope... assumed"). Only the fields the core state machine actually
// branches on are modeled here.
type CompilerArgs struct {
	Mode                CompileMode
	Language             string
	SourceFileIndexes    []int
	ObjectFileIndex      int // -1 if absent
	Flags                []string

	// Multilib is "32" or "64" when -m32/-m64 was seen on the command line, else "".
	// A single installed compiler binary can target either word size, so the daemon
	// folds this into the CompilerKey it looks up/advertises rather than treating the
	// binary's native target as the only truth (spec.md §4.10, SPEC_FULL.md §6).
	Multilib string
}

type CompileMode int

const (
	ModeCompile CompileMode = iota
	ModeLink
	ModePreprocessOnly
	ModeOther
)

// SingleSource reports whether exactly one source file was named — the backpressure gate
// in spec.md §4.3 requires this before a job is even considered for remote dispatch.
func (a CompilerArgs) SingleSource() bool { return len(a.SourceFileIndexes) == 1 }

// Job is one compile request; see spec.md §3 for the full field rationale.
type Job struct {
	ID     JobID
	Serial uint32 // reschedule generation, starts at 0
	Origin Origin

	Argv                 []string
	Cwd                  string
	Env                  []string
	ResolvedCompilerPath string
	CompilerArgs         CompilerArgs
	CompilerKey          protocol.CompilerKey

	Preprocessed []byte
	ObjectCode   []byte
	Stdout       []byte
	Stderr       []byte

	Status               Status
	ReceivedMonotonicMs   int64

	// RemoteName is set for Origin=Remote jobs: a label for the originating daemon,
	// used only in logs (SPEC_FULL.md §6 "friendly peer names").
	RemoteName string
	// OriginJobID/OriginConnID identify, for an Origin=Remote job, the sending daemon's
	// own JobID and our connection to it — needed to address JobResponse/match an
	// incoming JobDiscarded back to this Job (spec.md §4.6).
	OriginJobID uint64
	OriginConnID uint64
	// OutputPath is where a successful Compiled response's bytes should be written,
	// resolved against Cwd if relative (spec.md §4.6).
	OutputPath string

	// sentToPeers tracks every peer connection id this Local job's preprocessed bytes
	// were shipped to, so a finish can JobDiscarded the others (spec.md §3 invariant).
	sentToPeers map[uint64]struct{}

	// respondedToShim guards the "exactly once" contract in spec.md §3.
	respondedToShim bool

	finishedLocally  bool
	finishedRemotely bool

	// preprocessBufferReleased guards the exactly-once release of this Local job's slot
	// in max_preprocess_pending (spec.md §4.7): released on first remote response byte,
	// on being pulled back to run locally, or on reschedule — whichever comes first.
	preprocessBufferReleased bool
}

func newJob(id JobID, origin Origin) *Job {
	return &Job{
		ID:                  id,
		Origin:              origin,
		Status:              StatusIdle,
		ReceivedMonotonicMs: nowMs(),
		sentToPeers:         make(map[uint64]struct{}),
	}
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (j *Job) markSentTo(connID uint64) { j.sentToPeers[connID] = struct{}{} }

func (j *Job) otherPeers(except uint64) []uint64 {
	out := make([]uint64, 0, len(j.sentToPeers))
	for id := range j.sentToPeers {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}
