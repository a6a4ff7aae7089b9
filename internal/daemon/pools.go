package daemon

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gammazero/workerpool"

	"plast/internal/common"
)

// preprocessTask and compileTask are immutable snapshots handed to a pool worker: workers
// never touch *Job directly, they only report a processResult back over the events
// channel (spec.md §5 "no locks on Job/peer tables").
type preprocessTask struct {
	jobID    JobID
	serial   uint32
	compiler string
	argv     []string
	cwd      string
	env      []string
}

type compileMode int

const (
	compileLocalMode compileMode = iota
	compileRemoteServeMode
)

type compileTask struct {
	jobID        JobID
	serial       uint32
	mode         compileMode
	compiler     string
	argv         []string
	cwd          string
	env          []string
	preprocessed []byte // fed on stdin in remote-serve mode
}

// Pool wraps a gammazero/workerpool.WorkerPool, bounding parallelism at preprocess_count
// or job_count (spec.md §4.2/§4.3), and exposes Pending() so the dispatcher's overcommit
// rule (spec.md §4.3 "pool.pending < overcommit") has something concrete to read.
type Pool struct {
	wp       *workerpool.WorkerPool
	inFlight int // only mutated from the event loop goroutine
}

func newPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{wp: workerpool.New(size)}
}

// Pending is the sum of queued-but-not-started plus currently-running tasks; the
// dispatcher increments inFlight right before Submit and the event-loop decrements it when
// the corresponding evPreprocessDone/evCompileDone event is consumed.
func (p *Pool) Pending() int { return p.inFlight }

func (p *Pool) Stop() { p.wp.StopWait() }

// runPreprocess executes "<compiler> ... -E -o <tmpfile>" and reports the result.
func runPreprocess(tmpDir string, task preprocessTask, procs *procTracker, report func(processResult)) {
	tmpFile, tmpName, err := common.OpenTempFile(tmpDir, "plast_pp")
	if err != nil {
		report(processResult{err: err})
		return
	}
	_ = tmpFile.Close()
	defer common.RemoveTempFile(tmpName)

	argv := rewriteForPreprocess(task.argv, tmpName)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, task.compiler, argv...)
	cmd.Dir = task.cwd
	if len(task.env) > 0 {
		cmd.Env = task.env
	}
	// New process group so a cancellation (JobDiscarded, shim gone) can SIGTERM the
	// compiler driver and any cc1/cc1plus child it forked in one shot (spec.md §5).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// stdout is discarded per spec.md §4.2: "the object output lives in the temp file"

	if err = cmd.Start(); err != nil {
		report(processResult{err: err})
		return
	}
	procs.register(task.jobID, cmd.Process.Pid)
	err = cmd.Wait()
	procs.unregister(task.jobID)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && exitCode == 0 {
		report(processResult{err: err, stderr: stderr.Bytes()})
		return
	}
	if exitCode != 0 {
		report(processResult{exitCode: exitCode, stderr: stderr.Bytes()})
		return
	}

	output, readErr := common.ReadFileBytes(tmpName)
	if readErr != nil {
		report(processResult{err: readErr, stderr: stderr.Bytes()})
		return
	}
	if len(output) == 0 {
		report(processResult{exitCode: 1, stderr: append(stderr.Bytes(), []byte("preprocessor produced empty output")...)})
		return
	}
	report(processResult{exitCode: 0, stderr: stderr.Bytes(), output: output})
}

// rewriteForPreprocess rewrites argv per spec.md §4.5 step 1: redirect -o to the temp
// file (or append one if absent) and append -E.
func rewriteForPreprocess(argv []string, tmpName string) []string {
	out := make([]string, 0, len(argv)+2)
	replacedO := false
	for i := 0; i < len(argv); i++ {
		if argv[i] == "-o" && i+1 < len(argv) {
			out = append(out, "-o", tmpName)
			i++
			replacedO = true
			continue
		}
		out = append(out, argv[i])
	}
	if !replacedO {
		out = append(out, "-o", tmpName)
	}
	out = append(out, "-E")
	return out
}

// runCompile executes the compiler either in local mode (args as given, cwd as given) or
// remote-serve mode (rewritten per spec.md §4.3: source replaced with "-", -I/-MF/-MT/-MMD
// stripped, -o redirected to a fresh temp file, preprocessed bytes fed on stdin).
func runCompile(tmpDir string, task compileTask, procs *procTracker, report func(processResult)) {
	var argv []string
	var tmpName string
	var stdin []byte

	if task.mode == compileRemoteServeMode {
		tmpFile, name, err := common.OpenTempFile(tmpDir, "plast_obj")
		if err != nil {
			report(processResult{err: err})
			return
		}
		_ = tmpFile.Close()
		tmpName = name
		argv = rewriteForRemoteServe(task.argv, tmpName)
		stdin = task.preprocessed
		defer common.RemoveTempFile(tmpName)
	} else {
		argv = task.argv
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, task.compiler, argv...)
	cmd.Dir = task.cwd
	if len(task.env) > 0 {
		cmd.Env = task.env
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		report(processResult{err: err, stderr: stderr.Bytes()})
		return
	}
	procs.register(task.jobID, cmd.Process.Pid)
	err := cmd.Wait()
	procs.unregister(task.jobID)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && cmd.ProcessState == nil {
		report(processResult{err: err, stderr: stderr.Bytes()})
		return
	}

	result := processResult{exitCode: exitCode, stdout: stdout.Bytes(), stderr: stderr.Bytes()}
	if exitCode == 0 && task.mode == compileRemoteServeMode {
		output, readErr := common.ReadFileBytes(tmpName)
		if readErr != nil {
			report(processResult{err: readErr, stderr: stderr.Bytes()})
			return
		}
		result.output = output
	}
	report(result)
}

// rewriteForRemoteServe applies spec.md §4.3's remote-serve rewrite rules.
func rewriteForRemoteServe(argv []string, tmpObjName string) []string {
	out := make([]string, 0, len(argv)+4)
	out = append(out, "-x", remoteServeLanguage(argv))
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-o" && i+1 < len(argv):
			i++ // drop original -o PATH, replaced below
		case strings.HasPrefix(arg, "-I"):
			if arg == "-I" {
				i++ // -I <dir> form: skip the following arg too
			}
		case arg == "-MF" || arg == "-MT":
			i++ // these take a following path argument referencing a file absent on this host
		case arg == "-MMD":
			// no following argument, just drop the flag itself
		case isSourceFile(arg):
			// replaced by "-" below: the source arrives preprocessed on stdin
		default:
			out = append(out, arg)
		}
	}
	out = append(out, "-o", tmpObjName, "-")
	return out
}

// remoteServeLanguage is a small heuristic standing in for reading CompilerArgs.Language
// (assumed available from the external parse_args collaborator in the general case).
func remoteServeLanguage(argv []string) string {
	for i, a := range argv {
		if a == "-x" && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	for _, a := range argv {
		if strings.HasSuffix(a, ".cpp") || strings.HasSuffix(a, ".cc") || strings.HasSuffix(a, ".cxx") {
			return "c++"
		}
	}
	return "c"
}
