package daemon

import (
	"strings"

	"plast/internal/protocol"
)

// parseCompilerArgs is a minimal stand-in for the external parse_args(argv) collaborator
// spec.md §1 assumes out of scope: it extracts just enough structure (mode, source file
// indexes, the -o index) for the state machine to decide whether a job is remote-dispatch
// eligible (spec.md §4.3 "single source file, mode == compile").
func parseCompilerArgs(argv []string) CompilerArgs {
	args := CompilerArgs{Mode: ModeCompile, Language: "c", ObjectFileIndex: -1}
	hasC := false
	for i, a := range argv {
		switch {
		case a == "-c":
			hasC = true
		case a == "-E":
			args.Mode = ModePreprocessOnly
		case a == "-o":
			args.ObjectFileIndex = i + 1
		case a == "-x" && i+1 < len(argv):
			args.Language = argv[i+1]
		case a == "-m32":
			args.Multilib = "32"
			args.Flags = append(args.Flags, a)
		case a == "-m64":
			args.Multilib = "64"
			args.Flags = append(args.Flags, a)
		case isSourceFile(a):
			args.SourceFileIndexes = append(args.SourceFileIndexes, i)
			if strings.HasSuffix(a, ".cpp") || strings.HasSuffix(a, ".cc") || strings.HasSuffix(a, ".cxx") {
				args.Language = "c++"
			}
		}
	}
	if !hasC && args.Mode == ModeCompile {
		args.Mode = ModeLink
	}
	return args
}

func isSourceFile(a string) bool {
	if strings.HasPrefix(a, "-") {
		return false
	}
	for _, suffix := range []string{".c", ".cc", ".cpp", ".cxx", ".i", ".ii"} {
		if strings.HasSuffix(a, suffix) {
			return true
		}
	}
	return false
}

// eligibleForRemote mirrors spec.md §4.3's dispatch gate: exactly one source file, plain
// compile mode (not link, not preprocess-only).
func eligibleForRemote(args CompilerArgs) bool {
	return args.Mode == ModeCompile && args.SingleSource()
}

// foldMultilibKey disambiguates a CompilerKey derived from a single installed binary's
// native target when -m32/-m64 forces it to produce code for the other word size
// (SPEC_FULL.md §6 "multilib target disambiguation"): the key used for registry lookups,
// remote dispatch, and HasJobs advertisements must reflect what the job actually needs, not
// just which binary happens to run it.
func foldMultilibKey(key protocol.CompilerKey, multilib string) protocol.CompilerKey {
	switch multilib {
	case "32":
		key.Target = retargetWordSize(key.Target, "x86_64", "i386")
	case "64":
		key.Target = retargetWordSize(key.Target, "i386", "x86_64")
	}
	return key
}

func retargetWordSize(target, from, to string) string {
	if strings.HasPrefix(target, from+"-") {
		return to + strings.TrimPrefix(target, from)
	}
	return target
}
