package protocol

// Tag identifies a wire message. Values are stable across versions (spec.md §6).
type Tag byte

const (
	TagClientJob         Tag = 1
	TagClientJobResponse Tag = 2
	TagQuit              Tag = 3
	TagHandshake         Tag = 10
	TagPeer              Tag = 11
	TagHasJobs           Tag = 12
	TagRequestJobs        Tag = 13
	TagLastJob           Tag = 14
	TagJobMessage        Tag = 15
	TagJobResponse       Tag = 16
	TagJobDiscarded      Tag = 17
	TagBuilding          Tag = 18
)

// CompilerType is the coarse compiler family used in a CompilerKey.
type CompilerType int32

const (
	CompilerUnknown CompilerType = iota
	CompilerGCC
	CompilerClang
	CompilerClangApple
)

func (t CompilerType) String() string {
	switch t {
	case CompilerGCC:
		return "gcc"
	case CompilerClang:
		return "clang"
	case CompilerClangApple:
		return "clang-apple"
	default:
		return "unknown"
	}
}

// CompilerKey is (type, major_version, target): the coarse identity under which compilers
// are matched between peers (spec.md §3). Totally ordered lexicographically on
// (Type, Major, Target).
type CompilerKey struct {
	Type   CompilerType
	Major  int32
	Target string
}

// Less gives CompilerKey a total order, needed wherever a deterministic scan/sort over
// keys matters (fairness round-robin in §4.5, map iteration stand-ins in tests).
func (k CompilerKey) Less(other CompilerKey) bool {
	if k.Type != other.Type {
		return k.Type < other.Type
	}
	if k.Major != other.Major {
		return k.Major < other.Major
	}
	return k.Target < other.Target
}

// Message is any value that can cross a plast connection.
type Message interface {
	Tag() Tag
	encode(*encoder)
	decode(*decoder)
}

// --- Shim <-> Daemon -------------------------------------------------------

// ClientJob is what the shim sends in place of exec'ing the compiler (spec.md §2, §4.4).
type ClientJob struct {
	Argv             []string
	ResolvedCompiler string
	Env              []string
	Cwd              string
}

func (*ClientJob) Tag() Tag { return TagClientJob }
func (m *ClientJob) encode(e *encoder) {
	e.writeStringList(m.Argv)
	e.writeString(m.ResolvedCompiler)
	e.writeStringList(m.Env)
	e.writeString(m.Cwd)
}
func (m *ClientJob) decode(d *decoder) {
	m.Argv = d.readStringList()
	m.ResolvedCompiler = d.readString()
	m.Env = d.readStringList()
	m.Cwd = d.readString()
}

// ClientJobResponse streams stdout/stderr chunks back to the shim, terminated by a chunk
// carrying Final=true and the compiler's exit status (spec.md §4.4 item 1).
type ClientJobResponse struct {
	Stdout   []byte
	Stderr   []byte
	Final    bool
	ExitCode int32
}

func (*ClientJobResponse) Tag() Tag { return TagClientJobResponse }
func (m *ClientJobResponse) encode(e *encoder) {
	e.writeBytes(m.Stdout)
	e.writeBytes(m.Stderr)
	if m.Final {
		e.writeByte(1)
	} else {
		e.writeByte(0)
	}
	e.writeInt32(m.ExitCode)
}
func (m *ClientJobResponse) decode(d *decoder) {
	m.Stdout = d.readBytes()
	m.Stderr = d.readBytes()
	m.Final = d.readByte() != 0
	m.ExitCode = d.readInt32()
}

// Quit is sent by either side of any connection to request an orderly close.
type Quit struct {
	Reason string
}

func (*Quit) Tag() Tag               { return TagQuit }
func (m *Quit) encode(e *encoder)    { e.writeString(m.Reason) }
func (m *Quit) decode(d *decoder)    { m.Reason = d.readString() }

// --- Daemon <-> Daemon -------------------------------------------------------

// Handshake is exchanged when one daemon opens a peer connection to another, and
// re-sent periodically on an already-open connection as an idle ping (SPEC_FULL.md §6).
type Handshake struct {
	Port         int32
	Capacity     int32
	FriendlyName string
}

func (*Handshake) Tag() Tag { return TagHandshake }
func (m *Handshake) encode(e *encoder) {
	e.writeInt32(m.Port)
	e.writeInt32(m.Capacity)
	e.writeString(m.FriendlyName)
}
func (m *Handshake) decode(d *decoder) {
	m.Port = d.readInt32()
	m.Capacity = d.readInt32()
	m.FriendlyName = d.readString()
}

// JobMessage ships a preprocessed translation unit to a peer for remote compilation
// (spec.md §4.4 item 2). Payload is zlib-compressed end to end; see frame.go.
type JobMessage struct {
	ID           uint64
	Serial       uint32
	CompilerKey  CompilerKey
	Preprocessed []byte
	Argv         []string
	OutputPath   string
	RemoteName   string
}

func (*JobMessage) Tag() Tag { return TagJobMessage }
func (m *JobMessage) encode(e *encoder) {
	e.writeUint64(m.ID)
	e.writeUint32(m.Serial)
	e.writeCompilerKey(m.CompilerKey)
	e.writeBytes(m.Preprocessed)
	e.writeStringList(m.Argv)
	e.writeString(m.OutputPath)
	e.writeString(m.RemoteName)
}
func (m *JobMessage) decode(d *decoder) {
	m.ID = d.readUint64()
	m.Serial = d.readUint32()
	m.CompilerKey = d.readCompilerKey()
	m.Preprocessed = d.readBytes()
	m.Argv = d.readStringList()
	m.OutputPath = d.readString()
	m.RemoteName = d.readString()
}

// JobResponseMode discriminates the payload carried by a JobResponse.
type JobResponseMode int32

const (
	JobResponseStdout JobResponseMode = iota
	JobResponseStderr
	JobResponseCompiled
	JobResponseError
)

// JobResponse is a peer's answer to a JobMessage: zero or more Stdout/Stderr chunks,
// followed by exactly one terminal Compiled or Error chunk (spec.md §4.4 item 2, §4.6).
type JobResponse struct {
	ID      uint64
	Serial  uint32
	Mode    JobResponseMode
	Payload []byte
}

func (*JobResponse) Tag() Tag { return TagJobResponse }
func (m *JobResponse) encode(e *encoder) {
	e.writeUint64(m.ID)
	e.writeUint32(m.Serial)
	e.writeInt32(int32(m.Mode))
	e.writeBytes(m.Payload)
}
func (m *JobResponse) decode(d *decoder) {
	m.ID = d.readUint64()
	m.Serial = d.readUint32()
	m.Mode = JobResponseMode(d.readInt32())
	m.Payload = d.readBytes()
}

// JobDiscarded tells a peer serving Job ID to kill its compile process and drop the job
// (spec.md §3 invariant, §4.6).
type JobDiscarded struct {
	ID uint64
}

func (*JobDiscarded) Tag() Tag            { return TagJobDiscarded }
func (m *JobDiscarded) encode(e *encoder) { e.writeUint64(m.ID) }
func (m *JobDiscarded) decode(d *decoder) { m.ID = d.readUint64() }

// RequestJobs asks a peer for up to Count jobs matching CompilerKey (spec.md §4.5 step 5,
// §4.6). RequestID is a correlation id distinct from any Job ID (spec.md §9 open question).
type RequestJobs struct {
	RequestID   string
	CompilerKey CompilerKey
	Count       int32
}

func (*RequestJobs) Tag() Tag { return TagRequestJobs }
func (m *RequestJobs) encode(e *encoder) {
	e.writeString(m.RequestID)
	e.writeCompilerKey(m.CompilerKey)
	e.writeInt32(m.Count)
}
func (m *RequestJobs) decode(d *decoder) {
	m.RequestID = d.readString()
	m.CompilerKey = d.readCompilerKey()
	m.Count = d.readInt32()
}

// LastJob answers a RequestJobs: how many jobs were actually handed out, and whether the
// sender's pending_build queue for this key still has more (spec.md §4.6).
type LastJob struct {
	RequestID   string
	CompilerKey CompilerKey
	Granted     int32
	HasMore     bool
}

func (*LastJob) Tag() Tag { return TagLastJob }
func (m *LastJob) encode(e *encoder) {
	e.writeString(m.RequestID)
	e.writeCompilerKey(m.CompilerKey)
	e.writeInt32(m.Granted)
	if m.HasMore {
		e.writeByte(1)
	} else {
		e.writeByte(0)
	}
}
func (m *LastJob) decode(d *decoder) {
	m.RequestID = d.readString()
	m.CompilerKey = d.readCompilerKey()
	m.Granted = d.readInt32()
	m.HasMore = d.readByte() != 0
}

// --- Daemon <-> Scheduler ----------------------------------------------------

// Peer is sent by a daemon to the scheduler exactly once, right after connecting
// (spec.md §4.4 item 3).
type Peer struct {
	FriendlyName string
	Port         int32
	Jobs         int32
}

func (*Peer) Tag() Tag { return TagPeer }
func (m *Peer) encode(e *encoder) {
	e.writeString(m.FriendlyName)
	e.writeInt32(m.Port)
	e.writeInt32(m.Jobs)
}
func (m *Peer) decode(d *decoder) {
	m.FriendlyName = d.readString()
	m.Port = d.readInt32()
	m.Jobs = d.readInt32()
}

// HasJobs flows both ways: daemon→scheduler advertises local availability, and
// scheduler→daemon fans the same advertisement out to every other peer, with PeerAddress
// and Port rewritten to the advertiser's host and peer port (spec.md §4.4 item 3, §4.9).
type HasJobs struct {
	CompilerKey  CompilerKey
	Count        int32
	Port         int32
	PeerAddress  string
}

func (*HasJobs) Tag() Tag { return TagHasJobs }
func (m *HasJobs) encode(e *encoder) {
	e.writeCompilerKey(m.CompilerKey)
	e.writeInt32(m.Count)
	e.writeInt32(m.Port)
	e.writeString(m.PeerAddress)
}
func (m *HasJobs) decode(d *decoder) {
	m.CompilerKey = d.readCompilerKey()
	m.Count = d.readInt32()
	m.Port = d.readInt32()
	m.PeerAddress = d.readString()
}

// BuildingEvent is daemon→scheduler bookkeeping for the stats surface (out of core
// scope; kept here only as the wire record, spec.md §4.4 item 3).
type BuildingEventKind int32

const (
	BuildingStart BuildingEventKind = iota
	BuildingStop
)

type BuildingEvent struct {
	Kind  BuildingEventKind
	JobID uint64
	Peer  string
	File  string
}

func (*BuildingEvent) Tag() Tag { return TagBuilding }
func (m *BuildingEvent) encode(e *encoder) {
	e.writeInt32(int32(m.Kind))
	e.writeUint64(m.JobID)
	e.writeString(m.Peer)
	e.writeString(m.File)
}
func (m *BuildingEvent) decode(d *decoder) {
	m.Kind = BuildingEventKind(d.readInt32())
	m.JobID = d.readUint64()
	m.Peer = d.readString()
	m.File = d.readString()
}

// newByTag constructs a zero-valued Message for a given tag, used by ReadFrame before
// decoding into it. Keep in sync with the Tag constants above.
func newByTag(tag Tag) Message {
	switch tag {
	case TagClientJob:
		return &ClientJob{}
	case TagClientJobResponse:
		return &ClientJobResponse{}
	case TagQuit:
		return &Quit{}
	case TagHandshake:
		return &Handshake{}
	case TagPeer:
		return &Peer{}
	case TagHasJobs:
		return &HasJobs{}
	case TagRequestJobs:
		return &RequestJobs{}
	case TagLastJob:
		return &LastJob{}
	case TagJobMessage:
		return &JobMessage{}
	case TagJobResponse:
		return &JobResponse{}
	case TagJobDiscarded:
		return &JobDiscarded{}
	case TagBuilding:
		return &BuildingEvent{}
	default:
		return nil
	}
}
