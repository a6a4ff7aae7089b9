// Package registry implements the CompilerRegistry external collaborator described in
// spec.md §4.10: a map from an executable path to a (type, major, target) CompilerKey,
// and from a CompilerKey back to a runnable package. Fingerprinting a compiler binary and
// fetching/unpacking its package from elsewhere in the farm is genuinely out of scope for
// the core job-lifecycle spec; this package gives the daemon a concrete, in-process
// implementation of the interface so the state machine in internal/daemon has something
// real to call, while keeping "how a key is derived from a binary" and "how a package is
// fetched" swappable.
package registry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"plast/internal/protocol"
)

// Record is what find_by_key returns: enough to exec the compiler for a peer's job.
type Record struct {
	Path string
	Env  []string
}

const lockShards = 32

// Registry is the in-memory CompilerRegistry. Path→key and key→record maps are each
// guarded by one of lockShards mutexes, chosen by hashing the lookup key with xxhash —
// cheap enough to call on every shim invocation, and avoids a single registry-wide lock
// contending with the fsnotify watch goroutine.
type Registry struct {
	cacheDir string

	shardMu [lockShards]sync.RWMutex
	byPath  map[string]protocol.CompilerKey
	byKey   map[protocol.CompilerKey]Record

	watcher *fsnotify.Watcher
}

func shardOf(key string) uint64 {
	return xxhash.Sum64String(key) % lockShards
}

// New creates a registry rooted at cacheDir/compilers, scanning it for already-unpacked
// compiler packages and watching it for new ones (SPEC_FULL.md §4 domain stack).
func New(cacheDir string) (*Registry, error) {
	compilersDir := filepath.Join(cacheDir, "compilers")
	if err := os.MkdirAll(compilersDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create compilers cache dir")
	}

	r := &Registry{
		cacheDir: cacheDir,
		byPath:   make(map[string]protocol.CompilerKey, 16),
		byKey:    make(map[protocol.CompilerKey]Record, 16),
	}

	if err := r.scan(compilersDir); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := watcher.Add(compilersDir); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrap(err, "watch compilers cache dir")
	}
	r.watcher = watcher
	go r.watchLoop(compilersDir)

	return r, nil
}

// scan walks compilersDir once at startup. Each immediate subdirectory is expected to be
// named "<type>-<major>-<target>" (how the out-of-scope package-distribution side of
// plast lays packages out); a malformed name is skipped rather than failing startup.
func (r *Registry) scan(compilersDir string) error {
	return godirwalk.Walk(compilersDir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if path == compilersDir || !de.IsDir() {
				return nil
			}
			r.registerPackageDir(compilersDir, filepath.Base(path))
			return filepath.SkipDir // one level deep only, don't descend into the package itself
		},
	})
}

func (r *Registry) watchLoop(compilersDir string) {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create) != 0 {
				if stat, err := os.Stat(event.Name); err == nil && stat.IsDir() {
					r.registerPackageDir(compilersDir, filepath.Base(event.Name))
				}
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// registerPackageDir parses "<type>-<major>-<target>" and registers the key, pointing at
// "<dir>/bin/<type>" as the runnable executable path within the package.
func (r *Registry) registerPackageDir(compilersDir, name string) {
	parts := strings.SplitN(name, "-", 3)
	if strings.HasPrefix(name, "clang-apple-") {
		parts = append([]string{"clang-apple"}, strings.SplitN(strings.TrimPrefix(name, "clang-apple-"), "-", 2)...)
	}
	if len(parts) != 3 {
		return
	}
	key, err := parseKeyParts(parts)
	if err != nil {
		return
	}
	packageDir := filepath.Join(compilersDir, name)
	record := Record{Path: filepath.Join(packageDir, "bin", parts[0])}
	r.Init(key, record)
}

func parseKeyParts(parts []string) (protocol.CompilerKey, error) {
	var typ protocol.CompilerType
	switch parts[0] {
	case "gcc":
		typ = protocol.CompilerGCC
	case "clang":
		typ = protocol.CompilerClang
	case "clang-apple":
		typ = protocol.CompilerClangApple
	default:
		return protocol.CompilerKey{}, errors.Errorf("unknown compiler type %q", parts[0])
	}
	major, err := strconv.Atoi(parts[1])
	if err != nil {
		return protocol.CompilerKey{}, errors.Wrap(err, "parse major version")
	}
	return protocol.CompilerKey{Type: typ, Major: int32(major), Target: parts[2]}, nil
}

// FindByPath looks up the CompilerKey previously associated (via Init) with an executable
// path. Returns ok=false if this daemon has never registered that path.
func (r *Registry) FindByPath(path string) (protocol.CompilerKey, bool) {
	shard := shardOf(path)
	r.shardMu[shard].RLock()
	defer r.shardMu[shard].RUnlock()
	key, ok := r.byPath[path]
	return key, ok
}

// FindByKey looks up a runnable Record for a CompilerKey, as advertised by a peer or
// named in an incoming JobMessage. Returns ok=false if we don't have this compiler —
// the caller must then drop the advertisement/job rather than guessing (spec.md §4.10).
func (r *Registry) FindByKey(key protocol.CompilerKey) (Record, bool) {
	shard := shardOf(key.Target)
	r.shardMu[shard].RLock()
	defer r.shardMu[shard].RUnlock()
	rec, ok := r.byKey[key]
	return rec, ok
}

// Init registers path<->key<->record, as if a just-fetched compiler package finished
// unpacking into the cache directory.
func (r *Registry) Init(key protocol.CompilerKey, record Record) {
	pathShard := shardOf(record.Path)
	r.shardMu[pathShard].Lock()
	r.byPath[record.Path] = key
	r.shardMu[pathShard].Unlock()

	keyShard := shardOf(key.Target)
	r.shardMu[keyShard].Lock()
	r.byKey[key] = record
	r.shardMu[keyShard].Unlock()
}

func (r *Registry) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
