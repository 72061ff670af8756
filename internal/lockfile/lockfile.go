// Package lockfile gives one process exclusive ownership of a local outbox.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("outbox is owned by another process")

// Lock is a held lockfile. The file records the owner's PID and the time the
// lock was taken.
type Lock struct {
	path string
	file *os.File
	pid  int
}

// PathFor returns the lockfile path guarding the outbox database at dbPath.
func PathFor(dbPath string) string {
	return dbPath + ".lock"
}

// Acquire takes the lock at path. A lockfile left behind by a process that
// is no longer running is replaced.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	file, err := create(path)
	if errors.Is(err, os.ErrExist) {
		owner, alive := readOwner(path)
		if alive {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, owner)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale lockfile: %w", err)
		}
		file, err = create(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create lockfile: %w", err)
	}

	l := &Lock{path: path, file: file, pid: os.Getpid()}
	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = l.Release()
		return nil, fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return l, nil
}

func create(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
}

// readOwner reports the PID recorded in path and whether that process is
// still running. An unreadable or malformed file counts as stale.
func readOwner(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if pid == os.Getpid() {
		return pid, true
	}
	return pid, isProcessRunning(pid)
}

// Release closes and removes the lockfile. Releasing twice is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
		err = errors.Join(err, fmt.Errorf("failed to remove lockfile: %w", rmErr))
	}
	return err
}

// PID returns the process id written to the lockfile.
func (l *Lock) PID() int {
	return l.pid
}

// Path returns the lockfile path.
func (l *Lock) Path() string {
	return l.path
}
