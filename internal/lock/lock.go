// Package lock provides the single-active-run guarantee: backup, restore
// and deploy runs against one stack are mutually exclusive.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
)

// ErrLockConflict is returned when another run already holds the stack lock.
var ErrLockConflict = errors.New("another run is already active")

// Lock is a held stack lock backed by a PID file.
type Lock struct {
	path   string
	logger zerolog.Logger
}

// Acquire takes the stack lock or fails with ErrLockConflict. A lock file
// whose owning process no longer exists is treated as stale and reclaimed.
func Acquire(path string, logger zerolog.Logger) (*Lock, error) {
	logger = logger.With().Str("component", "stack_lock").Logger()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			if _, werr := fmt.Fprintf(f, "%d\n", os.Getpid()); werr != nil {
				f.Close()
				os.Remove(path)
				return nil, fmt.Errorf("write lock file: %w", werr)
			}
			f.Close()
			logger.Debug().Str("path", path).Msg("stack lock acquired")
			return &Lock{path: path, logger: logger}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		pid, rerr := readPID(path)
		if rerr == nil && processAlive(pid) {
			return nil, fmt.Errorf("%w: pid %d holds %s", ErrLockConflict, pid, path)
		}

		// Stale or unreadable lock: the owning process is gone.
		logger.Warn().Str("path", path).Int("pid", pid).Msg("removing stale stack lock")
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("remove stale lock: %w", rmErr)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrLockConflict, path)
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	l.logger.Debug().Str("path", l.path).Msg("stack lock released")
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether a process with the given PID exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
