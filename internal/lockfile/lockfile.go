// Package lockfile serializes installer runs against a deployment
// directory with an exclusive advisory file lock. A second concurrent
// invocation fails fast with ErrInstallInProgress instead of blocking.
// The kernel releases the lock when the holding process exits, so a
// crashed run never wedges future installs.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// FileName is the lock file name under the deployment data directory.
const FileName = "install.lock"

// ErrInstallInProgress reports that another install holds the deployment
// lock. Callers should retry later; nothing was mutated.
var ErrInstallInProgress = errors.New("another install is already in progress")

var flockFn = unix.Flock

// Lock is a held exclusive deployment lock.
type Lock struct {
	file *os.File
}

// Acquire takes the exclusive lock for dataDir without blocking. On
// success the lock file records the holder's pid and start time for
// diagnostics; these are informational only, flock is the authority.
func Acquire(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := flockFn(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrInstallInProgress
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	meta := fmt.Sprintf("pid=%d started=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(meta), 0)
	}
	return &Lock{file: file}, nil
}

// Release unlocks and closes the lock. Safe to call on a nil lock and on
// every exit path; callers defer it immediately after Acquire.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil
	if err := flockFn(int(file.Fd()), unix.LOCK_UN); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
