package registry

import (
	"os"
	"path/filepath"
	"testing"

	"plast/internal/protocol"
)

func TestRegistryScansExistingPackages(t *testing.T) {
	dir := t.TempDir()
	pkgDir := filepath.Join(dir, "compilers", "gcc-12-x86_64-linux-gnu", "bin")
	if err := os.MkdirAll(pkgDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pkgDir, "gcc"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	r, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	want := protocol.CompilerKey{Type: protocol.CompilerGCC, Major: 12, Target: "x86_64-linux-gnu"}
	rec, ok := r.FindByKey(want)
	if !ok {
		t.Fatal("expected the pre-existing package to be registered")
	}
	if rec.Path != filepath.Join(pkgDir, "gcc") {
		t.Errorf("unexpected record path %q", rec.Path)
	}

	key, ok := r.FindByPath(rec.Path)
	if !ok || key != want {
		t.Errorf("FindByPath = %+v, %v; want %+v, true", key, ok, want)
	}
}

func TestRegistryUnknownKeyIsDropped(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	if _, ok := r.FindByKey(protocol.CompilerKey{Type: protocol.CompilerClang, Major: 99, Target: "nonexistent"}); ok {
		t.Error("expected an unadvertised key to be absent")
	}
}

func TestRegistryInitThenLookup(t *testing.T) {
	r, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	key := protocol.CompilerKey{Type: protocol.CompilerClang, Major: 16, Target: "aarch64-apple-darwin"}
	r.Init(key, Record{Path: "/opt/clang-16/bin/clang"})

	rec, ok := r.FindByKey(key)
	if !ok || rec.Path != "/opt/clang-16/bin/clang" {
		t.Errorf("FindByKey after Init = %+v, %v", rec, ok)
	}
	foundKey, ok := r.FindByPath("/opt/clang-16/bin/clang")
	if !ok || foundKey != key {
		t.Errorf("FindByPath after Init = %+v, %v", foundKey, ok)
	}
}
