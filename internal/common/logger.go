package common

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/dustin/go-humanize"
)

// LoggerWrapper is a small leveled logger: INFO is gated by verbosity, ERROR always fires
// and is duplicated to stderr when logging to a file. Each of plastd and plasts creates its
// own instance with MakeLogger in its main.
type LoggerWrapper struct {
	impl              *log.Logger
	fileName          string
	verbosity         int64
	duplicateToStderr bool
}

func MakeLogger(logFile string, verbosity int64) (*LoggerWrapper, error) {
	var impl *log.Logger

	if logFile != "" && logFile != "stderr" {
		out, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			return nil, err
		}
		impl = log.New(out, "", log.LstdFlags)
	} else {
		impl = log.New(os.Stderr, "", log.LstdFlags)
	}

	if verbosity < -1 || verbosity > 2 {
		return nil, errors.New("incorrect verbosity passed")
	}

	return &LoggerWrapper{
		impl:              impl,
		fileName:          logFile,
		verbosity:         verbosity,
		duplicateToStderr: logFile != "" && logFile != "stderr",
	}, nil
}

func formatStr(prefix string, v ...any) string {
	return fmt.Sprintf("%s%s", prefix, fmt.Sprintln(v...))
}

func (logger *LoggerWrapper) Info(verbosity int64, v ...any) {
	if logger.verbosity >= verbosity && logger.impl != nil {
		_ = logger.impl.Output(0, formatStr("<6> ", v...))
	}
}

func (logger *LoggerWrapper) Error(v ...any) {
	if logger.impl != nil {
		_ = logger.impl.Output(0, formatStr("<3> ", v...))
	}
	if logger.duplicateToStderr {
		_, _ = fmt.Fprint(os.Stderr, formatStr("", v...))
	}
}

// Bytes formats a byte count in human-readable form. No log line in the program calls it.
func Bytes(n int) string {
	return humanize.Bytes(uint64(n))
}

func (logger *LoggerWrapper) RotateLogFile() error {
	if logger.fileName == "" || logger.fileName == "stderr" {
		return nil
	}
	out, err := os.OpenFile(logger.fileName, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	logger.impl = log.New(out, "", log.LstdFlags)
	return nil
}
