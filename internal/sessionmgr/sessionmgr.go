// Package sessionmgr implements the SessionManager state machine from
// spec.md §4.4: spawn, attach, close/kill, and startup recovery. Promote,
// diff, snapshot, and restore live alongside it in promote.go; conflict
// detection in conflicts.go; the optional rebase capability in rebase.go.
package sessionmgr

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/vibefs/vibefs/internal/names"
	"github.com/vibefs/vibefs/internal/nfsd"
	"github.com/vibefs/vibefs/internal/odb"
	"github.com/vibefs/vibefs/internal/overlay"
	"github.com/vibefs/vibefs/internal/sessionstore"
	"github.com/vibefs/vibefs/internal/store"
	"github.com/vibefs/vibefs/internal/vibeerrors"
)

// Mounter performs the platform-specific client-side NFS mount attempted
// at the end of Spawn/Attach. A failure here is non-fatal: the session
// stays Exported and the caller surfaces the returned instruction.
type Mounter interface {
	Mount(port int, mountPoint string) error
	Unmount(mountPoint string) error
}

// execMounter shells out to the system mount(8)/umount(8) binaries, the
// only portable way to attach an NFSv3 export without embedding a kernel
// client. Linux-only, consistent with this package's other non-goals.
type execMounter struct{}

func (execMounter) Mount(port int, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}
	opts := fmt.Sprintf("nolock,vers=3,tcp,port=%d,mountport=%d", port, port)
	cmd := exec.Command("mount", "-t", "nfs", "-o", opts, "127.0.0.1:/", mountPoint)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("mount -t nfs %s: %w: %s", mountPoint, err, out)
	}
	return nil
}

func (execMounter) Unmount(mountPoint string) error {
	cmd := exec.Command("umount", mountPoint)
	return cmd.Run()
}

// NameGenerator produces session ids, injected so the adjective-noun word
// list is swappable without touching this package (spec.md §9: "the full
// word list is an external, out-of-scope concern").
type NameGenerator interface {
	Next(exists names.Exists) string
}

// Manager implements the SessionManager.
type Manager struct {
	log      logr.Logger
	meta     *store.Store
	deltas   *sessionstore.Store
	g        *odb.Adapter
	resolver *overlay.Resolver
	exporter *nfsd.Exporter
	gen      NameGenerator
	mount    Mounter

	repoRoot     string
	mountBaseDir string

	mu sync.Mutex
}

// New constructs a Manager. mountBaseDir is the directory under which
// per-session mount points are created (spec.md §6 conventionally
// "<user cache>/vibe/mounts/<repo-basename>-<session-id>/").
func New(log logr.Logger, meta *store.Store, deltas *sessionstore.Store, g *odb.Adapter, resolver *overlay.Resolver, exporter *nfsd.Exporter, gen NameGenerator, repoRoot, mountBaseDir string) *Manager {
	return &Manager{
		log: log, meta: meta, deltas: deltas, g: g, resolver: resolver,
		exporter: exporter, gen: gen, mount: execMounter{},
		repoRoot: repoRoot, mountBaseDir: mountBaseDir,
	}
}

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	// ID, if non-empty, requests a specific session id. If it already
	// exists, Spawn attaches to it unless ForceNew is set.
	ID       string
	ForceNew bool
	Debug    bool
}

// Spawn implements spec.md §4.4's spawn algorithm.
func (m *Manager) Spawn(ctx context.Context, opts SpawnOptions) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := opts.ID
	if id != "" {
		existing, err := m.meta.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if opts.ForceNew {
				return nil, vibeerrors.Wrap(vibeerrors.KindSessionExists, fmt.Sprintf("session %q already exists", id), vibeerrors.ErrSessionExists)
			}
			return m.attachLocked(ctx, existing)
		}
	} else {
		id = m.gen.Next(func(candidate string) bool {
			rec, _ := m.meta.GetSession(ctx, candidate)
			return rec != nil
		})
	}

	spawnCommit, err := m.g.ResolveHEAD()
	if err != nil {
		return nil, vibeerrors.Wrap(vibeerrors.KindOdbError, "resolve HEAD", err)
	}
	branch := m.g.HeadBranch()

	if err := m.deltas.CreateDelta(id); err != nil {
		return nil, fmt.Errorf("create session delta: %w", err)
	}

	rec := store.SessionRecord{
		ID: id, SpawnCommit: spawnCommit.String(), SpawnBranch: branch,
		CreatedAt: time.Now(), State: store.StateExported,
	}
	if err := m.meta.PutSession(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist session record: %w", err)
	}

	return m.exportAndMountLocked(ctx, &rec, spawnCommit, opts.Debug)
}

// Attach locates an existing session and, if Offline, re-exports and
// re-mounts it; if already Mounted, it is reused as-is.
func (m *Manager) Attach(ctx context.Context, id string) (*store.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.meta.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, vibeerrors.Wrap(vibeerrors.KindSessionNotFound, fmt.Sprintf("session %q not found", id), vibeerrors.ErrSessionNotFound)
	}
	return m.attachLocked(ctx, rec)
}

func (m *Manager) attachLocked(ctx context.Context, rec *store.SessionRecord) (*store.SessionRecord, error) {
	if rec.State == store.StateMounted && m.exporter.Port(rec.ID) != 0 {
		return rec, nil
	}
	spawnCommit := plumbing.NewHash(rec.SpawnCommit)
	return m.exportAndMountLocked(ctx, rec, spawnCommit, false)
}

func (m *Manager) exportAndMountLocked(ctx context.Context, rec *store.SessionRecord, spawnCommit plumbing.Hash, debug bool) (*store.SessionRecord, error) {
	port, err := m.exporter.Export(rec.ID, spawnCommit)
	if err != nil {
		rec.State = store.StateExported
		_ = m.meta.PutSession(ctx, *rec)
		return nil, vibeerrors.Wrap(vibeerrors.KindPortInUse, "export session", err)
	}
	rec.NfsPort = port
	rec.State = store.StateExported

	mountPoint := m.mountPointFor(rec.ID)
	if err := m.mount.Mount(port, mountPoint); err != nil {
		m.log.Info("client-side mount failed, leaving session exported", "session", rec.ID, "error", err.Error())
		if perr := m.meta.PutSession(ctx, *rec); perr != nil {
			return nil, perr
		}
		return rec, fmt.Errorf("%w: mount -t nfs -o vers=3,tcp,port=%d 127.0.0.1:/ %s", err, port, mountPoint)
	}
	rec.MountPoint = mountPoint
	rec.State = store.StateMounted
	if err := m.meta.PutSession(ctx, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) mountPointFor(id string) string {
	return filepath.Join(m.mountBaseDir, filepath.Base(m.repoRoot)+"-"+id)
}

// Unexport withdraws a session's NFS export and client-side mount without
// deleting its delta or metadata, leaving it Offline so a later Attach
// re-exports and re-mounts it. This is the counterpart to Kill that
// preserves session state rather than discarding it.
func (m *Manager) Unexport(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.meta.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return vibeerrors.Wrap(vibeerrors.KindSessionNotFound, fmt.Sprintf("session %q not found", id), vibeerrors.ErrSessionNotFound)
	}

	if rec.MountPoint != "" {
		_ = m.mount.Unmount(rec.MountPoint)
	}
	_ = m.exporter.Unexport(id)

	rec.State = store.StateOffline
	rec.MountPoint = ""
	rec.NfsPort = 0
	return m.meta.PutSession(ctx, *rec)
}

// Kill implements close: unmount best-effort, withdraw the export, and
// delete the session delta and its snapshots. Refuses if the session has
// dirty files unless force is set.
func (m *Manager) Kill(ctx context.Context, id string, force bool) (warnDirtyCount int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.meta.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, vibeerrors.Wrap(vibeerrors.KindSessionNotFound, fmt.Sprintf("session %q not found", id), vibeerrors.ErrSessionNotFound)
	}

	dirty, err := m.meta.ListDirty(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(dirty) > 0 && !force {
		return len(dirty), vibeerrors.Wrap(vibeerrors.KindDirtyRefused, fmt.Sprintf("session %q has %d dirty file(s); use --force to discard", id, len(dirty)), vibeerrors.ErrDirtySession)
	}

	if rec.MountPoint != "" {
		_ = m.mount.Unmount(rec.MountPoint)
	}
	_ = m.exporter.Unexport(id)
	if err := m.deltas.RemoveDelta(id); err != nil {
		return len(dirty), err
	}
	if err := m.meta.DeleteSession(ctx, id); err != nil {
		return len(dirty), err
	}
	if len(dirty) > 0 {
		return len(dirty), nil // force path: succeed, but report the discard count as a warning
	}
	return 0, nil
}

// Recover implements spec.md §4.4's "Recovery on daemon startup": every
// session not in a terminal state is re-attached via errgroup, with
// per-session failures logged rather than aborting the sweep. Attach
// serializes on m.mu for its bookkeeping, so the sweep completes
// reliably under concurrent failures rather than running the mount work
// itself in parallel.
func (m *Manager) Recover(ctx context.Context) error {
	sessions, err := m.meta.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions for recovery: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range sessions {
		rec := rec
		if rec.State == store.StateKilled {
			continue // terminal; nothing to recover
		}
		g.Go(func() error {
			if _, err := m.Attach(gctx, rec.ID); err != nil {
				m.log.Error(err, "session recovery failed", "session", rec.ID)
			}
			return nil
		})
	}
	return g.Wait()
}

// SetMounter overrides the Mounter used for client-side mount/unmount,
// primarily so callers outside this package can inject a fake in tests.
func (m *Manager) SetMounter(mnt Mounter) { m.mount = mnt }

// SessionExists reports whether id has a persisted session record.
func (m *Manager) SessionExists(ctx context.Context, id string) bool {
	rec, _ := m.meta.GetSession(ctx, id)
	return rec != nil
}
