package common

import (
	"os"
	"path/filepath"
	"time"

	"github.com/djherbis/atime"
)

// SweepOrphanedTempFiles removes /tmp/plast_* files nobody has touched in maxAge.
// Under normal operation, the preprocess/compile pools unlink their own temp files on
// every success and error path (spec.md §5 "Shared resources"); this sweep only catches
// the case where the owning Job's goroutine died before it could unlink (a spawn failure
// ahead of Job bookkeeping, or a killed daemon process that never ran its defer).
func SweepOrphanedTempFiles(dir string, prefix string, maxAge time.Duration) {
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || len(entry.Name()) < len(prefix) || entry.Name()[:len(prefix)] != prefix {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		last, err := atime.Stat(full)
		if err != nil {
			continue
		}
		if now.Sub(last) > maxAge {
			_ = os.Remove(full)
		}
	}
}
