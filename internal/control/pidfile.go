package control

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"
)

// AcquirePidFile guards pidPath with an exclusive flock, the same
// TryLock-first pattern untoldecay-BeadsLog's cmd/bd/sync.go uses for its
// own daemon-local locks. On success it writes the current pid and
// returns a *flock.Flock the caller must keep locked for the daemon's
// lifetime (releasing it, even via process exit, frees the lock).
//
// If the lock is already held, AcquirePidFile distinguishes a live daemon
// from a stale pid file by signal-0 probing the recorded pid: ESRCH (no
// such process) means stale, so the pid file and any adjacent socket are
// removed and the lock is retried once.
func AcquirePidFile(pidPath, socketPath string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return nil, fmt.Errorf("create pid file directory: %w", err)
	}
	lock := flock.New(pidPath)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("try-lock pid file: %w", err)
	}
	if !locked {
		if isStalePidFile(pidPath) {
			_ = os.Remove(pidPath)
			_ = os.Remove(socketPath)
			locked, err = lock.TryLock()
			if err != nil {
				return nil, fmt.Errorf("try-lock pid file after stale cleanup: %w", err)
			}
		}
		if !locked {
			return nil, fmt.Errorf("another vibefs daemon already holds %s", pidPath)
		}
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return lock, nil
}

// isStalePidFile reports whether pidPath names a pid with no live process.
func isStalePidFile(pidPath string) bool {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return true
	}
	// On Unix, FindProcess always succeeds; signal 0 is the liveness probe.
	return proc.Signal(syscall.Signal(0)) != nil
}

// ReleasePidFile unlocks and removes the pid file.
func ReleasePidFile(lock *flock.Flock, pidPath string) {
	_ = lock.Unlock()
	_ = os.Remove(pidPath)
}
