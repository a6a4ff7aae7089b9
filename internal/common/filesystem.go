package common

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// OpenTempFile creates <dir>/<prefix>_XXXXXX (dir defaults to os.TempDir(); the daemon
// passes prefixes plast_pp and plast_obj) opened for read-write, so a spawned compiler
// child inherits a writable path
// via its argv (-o PATH for preprocessing, -o PATH for remote-serve compiling).
func OpenTempFile(dir, prefix string) (*os.File, string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	for attempt := 0; attempt < 8; attempt++ {
		name := filepath.Join(dir, fmt.Sprintf("%s_%06x", prefix, rand.Uint32()&0xffffff))
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			return f, name, nil
		}
		if !os.IsExist(err) {
			return nil, "", errors.Wrap(err, "can't create temp file")
		}
	}
	return nil, "", errors.New("can't create temp file after several attempts")
}

// RemoveTempFile unlinks a temp file created by OpenTempFile, ignoring a missing file
// (both the success and error compile-pool paths call this unconditionally).
func RemoveTempFile(name string) {
	if name == "" {
		return
	}
	_ = os.Remove(name)
}

func MkdirForFile(fileName string) error {
	return os.MkdirAll(filepath.Dir(fileName), os.ModePerm)
}

// ReadFileBytes reads an entire file, wrapping any error with the path for log context.
func ReadFileBytes(name string) ([]byte, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", name)
	}
	return data, nil
}
