package daemon

import (
	"testing"

	"plast/internal/protocol"
)

func TestParseCompilerArgsSingleSourceCompile(t *testing.T) {
	args := parseCompilerArgs([]string{"-c", "foo.cpp", "-o", "foo.o", "-Wall"})
	if args.Mode != ModeCompile {
		t.Fatalf("Mode = %v, want ModeCompile", args.Mode)
	}
	if !args.SingleSource() {
		t.Fatalf("expected a single source file, got %v", args.SourceFileIndexes)
	}
	if args.Language != "c++" {
		t.Fatalf("Language = %q, want c++ (inferred from .cpp)", args.Language)
	}
	if args.ObjectFileIndex != 3 {
		t.Fatalf("ObjectFileIndex = %d, want 3", args.ObjectFileIndex)
	}
	if !eligibleForRemote(args) {
		t.Fatal("expected a plain single-source compile to be remote-eligible")
	}
}

func TestParseCompilerArgsLinkIsNotEligible(t *testing.T) {
	args := parseCompilerArgs([]string{"foo.o", "bar.o", "-o", "a.out"})
	if args.Mode != ModeLink {
		t.Fatalf("Mode = %v, want ModeLink (no -c given)", args.Mode)
	}
	if eligibleForRemote(args) {
		t.Fatal("link jobs must never be remote-eligible")
	}
}

func TestParseCompilerArgsPreprocessOnlyIsNotEligible(t *testing.T) {
	args := parseCompilerArgs([]string{"-c", "-E", "foo.c"})
	if args.Mode != ModePreprocessOnly {
		t.Fatalf("Mode = %v, want ModePreprocessOnly", args.Mode)
	}
	if eligibleForRemote(args) {
		t.Fatal("-E invocations must never be remote-eligible")
	}
}

func TestParseCompilerArgsMultiSourceIsNotEligible(t *testing.T) {
	args := parseCompilerArgs([]string{"-c", "foo.c", "bar.c", "-o", "foo.o"})
	if args.SingleSource() {
		t.Fatal("expected two source files to not count as single-source")
	}
	if eligibleForRemote(args) {
		t.Fatal("multi-source compiles must never be remote-eligible")
	}
}

func TestParseCompilerArgsDetectsMultilibFlag(t *testing.T) {
	args := parseCompilerArgs([]string{"-c", "-m32", "foo.c", "-o", "foo.o"})
	if args.Multilib != "32" {
		t.Fatalf("Multilib = %q, want 32", args.Multilib)
	}
	args = parseCompilerArgs([]string{"-c", "foo.c", "-o", "foo.o"})
	if args.Multilib != "" {
		t.Fatalf("Multilib = %q, want empty when -m32/-m64 absent", args.Multilib)
	}
}

func TestFoldMultilibKeyRetargetsWordSize(t *testing.T) {
	native := protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"}

	got := foldMultilibKey(native, "32")
	want := protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "i386-linux-gnu"}
	if got != want {
		t.Fatalf("foldMultilibKey(-m32) = %+v, want %+v", got, want)
	}

	if got := foldMultilibKey(native, ""); got != native {
		t.Fatalf("foldMultilibKey(\"\") = %+v, want unchanged %+v", got, native)
	}

	i386 := protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "i386-linux-gnu"}
	got = foldMultilibKey(i386, "64")
	want = protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"}
	if got != want {
		t.Fatalf("foldMultilibKey(-m64) = %+v, want %+v", got, want)
	}
}

func TestIsSourceFile(t *testing.T) {
	cases := map[string]bool{
		"foo.c": true, "foo.cc": true, "foo.cpp": true, "foo.cxx": true,
		"foo.i": true, "foo.ii": true,
		"-Wall": false, "foo.o": false, "foo.h": false,
	}
	for in, want := range cases {
		if got := isSourceFile(in); got != want {
			t.Errorf("isSourceFile(%q) = %v, want %v", in, got, want)
		}
	}
}
