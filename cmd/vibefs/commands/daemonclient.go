package commands

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/vibefs/vibefs/internal/control"
)

// dialTimeout bounds a single connection attempt to the control plane.
const dialTimeout = 500 * time.Millisecond

// autostartWait is how long to wait for a freshly spawned vibed to bind
// its socket before giving up.
const autostartWait = 5 * time.Second

// connectDaemon dials the repo's ControlPlane socket, auto-starting vibed
// as a detached background process if nothing answers yet. Set
// VIBE_NO_DAEMON_AUTOSTART=1 to disable the autostart (for scripted use
// where the daemon's lifecycle is managed separately).
func connectDaemon(repo string) (*control.Client, error) {
	socketPath := control.ShortSocketPath(repo)

	if client, err := control.Dial(socketPath, dialTimeout); err == nil {
		return client, nil
	}

	if os.Getenv("VIBE_NO_DAEMON_AUTOSTART") == "1" {
		return nil, fmt.Errorf("no vibed daemon reachable at %s and autostart disabled", socketPath)
	}

	if err := spawnDaemon(repo); err != nil {
		return nil, fmt.Errorf("autostart vibed: %w", err)
	}

	deadline := time.Now().Add(autostartWait)
	for time.Now().Before(deadline) {
		if client, err := control.Dial(socketPath, dialTimeout); err == nil {
			return client, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("vibed did not become reachable at %s within %s", socketPath, autostartWait)
}

// spawnDaemon launches vibed as a detached background process rooted at
// repo, the same fire-and-forget shape BeadsLog's cmd/bd daemon autostart
// uses for its own local daemon.
func spawnDaemon(repo string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve vibe executable: %w", err)
	}
	vibedPath := exe
	if dir := exeDir(exe); dir != "" {
		if candidate := dir + string(os.PathSeparator) + "vibed"; fileExists(candidate) {
			vibedPath = candidate
		}
	}

	cmd := exec.Command(vibedPath, "--repo", repo)
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err == nil {
		cmd.Stdin = devNull
		cmd.Stdout = devNull
		cmd.Stderr = devNull
	}
	detachProcess(cmd)
	return cmd.Start()
}

func exeDir(exe string) string {
	for i := len(exe) - 1; i >= 0; i-- {
		if os.IsPathSeparator(exe[i]) {
			return exe[:i]
		}
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
