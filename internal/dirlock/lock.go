// Package dirlock holds an exclusive OS file lock on the data directory so a
// single process owns the sqlite quota database.
package dirlock

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockFileName = ".eversaid-quota.lock"

// ErrLocked is returned when another process holds the data directory.
var ErrLocked = errors.New("quota data dir is locked")

// Lock is held until Release or process exit.
type Lock struct {
	path string
	f    *os.File
}

func LockPath(dataDir string) string {
	return filepath.Join(dataDir, lockFileName)
}

// Acquire takes a non-blocking exclusive lock on dataDir. When the directory
// is already held the returned error wraps ErrLocked and names the holder.
func Acquire(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	lockPath := LockPath(dataDir)
	// #nosec G304 -- lockPath is derived from the configured data directory.
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			if holder := readHolder(lockPath); holder != "" {
				return nil, fmt.Errorf("%w: %s (held by %s)", ErrLocked, lockPath, holder)
			}
			return nil, fmt.Errorf("%w: %s", ErrLocked, lockPath)
		}
		return nil, err
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "pid=%d\nstarted_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	_ = f.Sync()

	return &Lock{path: lockPath, f: f}, nil
}

// readHolder returns the pid line written by the current holder, if any.
func readHolder(lockPath string) string {
	// #nosec G304 -- lockPath is derived from the configured data directory.
	f, err := os.Open(lockPath)
	if err != nil {
		return ""
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); strings.HasPrefix(line, "pid=") {
			return line
		}
	}
	return ""
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the lock file. It is safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	_ = l.f.Close()
	l.f = nil
	return err
}
