// Package daemon supervises the long-lived vibed process: it owns the
// writable MetadataStore handle, the SessionManager, and the ControlPlane
// listener, and implements startup recovery and idle-linger shutdown
// (spec.md §5).
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gofrs/flock"

	"github.com/vibefs/vibefs/internal/config"
	"github.com/vibefs/vibefs/internal/control"
	"github.com/vibefs/vibefs/internal/names"
	"github.com/vibefs/vibefs/internal/nfsd"
	"github.com/vibefs/vibefs/internal/odb"
	"github.com/vibefs/vibefs/internal/overlay"
	"github.com/vibefs/vibefs/internal/sessionmgr"
	"github.com/vibefs/vibefs/internal/sessionstore"
	"github.com/vibefs/vibefs/internal/store"
)

// Daemon is the top-level supervisor started by `vibefs daemon start` (or
// auto-started by a CLI command when no daemon is reachable).
type Daemon struct {
	log      logr.Logger
	repoRoot string
	cfg      *config.Config

	meta     *store.Store
	deltas   *sessionstore.Store
	odb      *odb.Adapter
	exporter *nfsd.Exporter
	sessions *sessionmgr.Manager
	ctl      *control.Server

	pidLock    *flock.Flock
	socketPath string

	mu          sync.Mutex
	lastActive  time.Time
	idleTimer   *time.Timer
	idleLinger  time.Duration
	idleExpired chan struct{}
}

// New wires up a Daemon for repoRoot. The returned Daemon has not started
// listening or recovered sessions yet; call Run.
func New(log logr.Logger, repoRoot string, cfg *config.Config) (*Daemon, error) {
	meta, err := store.Open(config.MetadataPath(repoRoot))
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}

	deltas := sessionstore.New(config.SessionsDir(repoRoot))

	g, err := odb.Open(repoRoot)
	if err != nil {
		meta.Close()
		return nil, fmt.Errorf("open git odb: %w", err)
	}

	resolver := overlay.New(meta, deltas, g, repoRoot)
	exporter := nfsd.New(log, resolver, meta, deltas, cfg.Artifacts.VolatileDirs, config.CacheDir(repoRoot), cfg.Nfs.ConnRatePerSec, cfg.Nfs.ConnBurst)
	sessions := sessionmgr.New(log, meta, deltas, g, resolver, exporter, names.New(uint64(time.Now().UnixNano())), repoRoot, cfg.Mount.BaseDir)

	socketPath := control.ShortSocketPath(repoRoot)
	d := &Daemon{
		log: log, repoRoot: repoRoot, cfg: cfg,
		meta: meta, deltas: deltas, odb: g, exporter: exporter, sessions: sessions,
		socketPath:  socketPath,
		idleLinger:  cfg.Daemon.IdleLinger,
		idleExpired: make(chan struct{}),
	}
	d.ctl = control.NewServer(log, socketPath, &control.Manager{Sessions: sessions, Meta: meta, RepoRoot: repoRoot}, d)
	return d, nil
}

// NoteActivity implements control.ActivityNotifier: every handled
// ControlPlane request resets the idle-linger countdown.
func (d *Daemon) NoteActivity() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastActive = time.Now()
	if d.idleTimer != nil && d.idleLinger > 0 {
		d.idleTimer.Reset(d.idleLinger)
	}
}

// Run acquires the pid lock, recovers sessions left over from a previous
// run, starts the ControlPlane listener, and blocks until ctx is
// cancelled, a shutdown is requested over the ControlPlane, or the
// idle-linger timeout fires. The timeout counts time since the last
// ControlPlane request; NFS traffic does not reset it, and the number of
// mounted sessions is not checked before shutting down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(config.VibeDir(d.repoRoot), 0o755); err != nil {
		return fmt.Errorf("create .vibe directory: %w", err)
	}

	lock, err := control.AcquirePidFile(config.PidPath(d.repoRoot), d.socketPath)
	if err != nil {
		return fmt.Errorf("acquire daemon pid lock: %w", err)
	}
	d.pidLock = lock
	defer control.ReleasePidFile(d.pidLock, config.PidPath(d.repoRoot))

	if err := d.sessions.Recover(ctx); err != nil {
		d.log.Error(err, "startup session recovery encountered errors")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.lastActive = time.Now()
	if d.idleLinger > 0 {
		d.idleTimer = time.AfterFunc(d.idleLinger, func() { close(d.idleExpired) })
	}
	d.mu.Unlock()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.ctl.Serve(runCtx) }()

	select {
	case <-ctx.Done():
	case <-d.idleExpired:
		d.log.Info("idle-linger timeout reached with no activity, shutting down", "linger", d.idleLinger)
	case <-d.ctl.ShutdownRequested():
		d.log.Info("shutdown requested over the control plane")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("control plane: %w", err)
		}
	}

	cancel()
	_ = d.ctl.Close()
	<-serveErr
	d.exporter.ShutdownAll()
	d.meta.Close()
	return nil
}
