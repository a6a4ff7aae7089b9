package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"plast/internal/protocol"
)

func main() {
	compiler, args := splitCompilerAndArgs(os.Args)

	if shouldCompileLocally(args) {
		executeLocally(compiler, args, "")
	}

	socketPath := os.Getenv("PLAST_SOCKET_FILE")
	if socketPath == "" {
		socketPath = "/tmp/plastd.sock"
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		executeLocally(compiler, args, "couldn't reach plastd: "+err.Error())
	}
	defer conn.Close()

	cwd := getCwd()

	resolved, err := getCompiler(compiler)
	if err != nil {
		executeLocally(compiler, args, err.Error())
	}

	job := &protocol.ClientJob{
		Argv:             append([]string{compiler}, args...),
		ResolvedCompiler: resolved,
		Env:              os.Environ(),
		Cwd:              cwd,
	}
	if err := protocol.WriteFrame(conn, job); err != nil {
		executeLocally(compiler, args, "couldn't write to plastd: "+err.Error())
	}

	exitCode, err := streamResponse(conn)
	if err != nil {
		executeLocally(compiler, args, "couldn't read from plastd: "+err.Error())
	}

	os.Exit(exitCode)
}

// shouldCompileLocally mirrors the shim's bypass rule: preprocessing runs (-E), stdin
// sources (-), and anything that isn't a single -c invocation stay local since there's
// nothing for the daemon to split into preprocess/compile stages.
func shouldCompileLocally(args []string) bool {
	return slices.Contains(args, "-") || slices.Contains(args, "-E") || !slices.Contains(args, "-c")
}

func exitOnError(err error) {
	if err != nil {
		os.Stderr.WriteString("[plastc] " + err.Error() + "\n")
		os.Exit(1)
	}
}

func getCwd() string {
	cwd, err := os.Getwd()
	exitOnError(err)
	return cwd
}

func splitCompilerAndArgs(argv []string) (compiler string, arguments []string) {
	compiler = filepath.Base(argv[0])

	if compiler == "plastc" {
		compiler = filepath.Base(argv[1])
		arguments = argv[2:]
	} else {
		arguments = argv[1:]
	}

	return
}

func getPaths() []string {
	return strings.Split(os.Getenv("PATH"), string(os.PathListSeparator))
}

// getCompiler resolves compiler to a real binary in PATH, skipping any entry that's a
// symlink back to plastc itself (the usual masquerade-as-cc install trick).
func getCompiler(compiler string) (string, error) {
	selfPath, _ := os.Executable()

	for _, dir := range getPaths() {
		candidate := filepath.Join(dir, compiler)
		realPath, err := filepath.EvalSymlinks(candidate)
		if err != nil || selfPath == realPath {
			continue
		}
		return candidate, nil
	}

	return "", fmt.Errorf("compiler %s not found in PATH", compiler)
}

func executeLocally(compiler string, arguments []string, warning string) {
	if warning != "" {
		os.Stderr.WriteString("[plastc] " + warning + "\n")
	}

	pathCompiler, err := getCompiler(compiler)
	if err != nil {
		exitOnError(err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(pathCompiler, arguments...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	os.Stdout.Write(stdout.Bytes())
	os.Stderr.Write(stderr.Bytes())

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		os.Exit(exitErr.ExitCode())
	}
	if runErr != nil {
		exitOnError(runErr)
	}

	os.Exit(0)
}

// streamResponse reads ClientJobResponse frames until Final, writing stdout/stderr chunks
// through as they arrive rather than buffering the whole compile.
func streamResponse(conn net.Conn) (int, error) {
	for {
		msg, err := protocol.ReadFrame(conn)
		if err != nil {
			return 0, err
		}
		resp, ok := msg.(*protocol.ClientJobResponse)
		if !ok {
			continue
		}
		if len(resp.Stdout) > 0 {
			os.Stdout.Write(resp.Stdout)
		}
		if len(resp.Stderr) > 0 {
			os.Stderr.Write(resp.Stderr)
		}
		if resp.Final {
			return int(resp.ExitCode), nil
		}
	}
}
