package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-logr/logr"

	"github.com/vibefs/vibefs/internal/sessionmgr"
	"github.com/vibefs/vibefs/internal/store"
)

// Version is the daemon version reported by OpPing and OpStatus. It stays
// "dev" unless set at link time; no package assigns it at startup.
var Version = "dev"

// ActivityNotifier is told about every decoded request before it is
// dispatched, whether or not the request then succeeds, so a
// caller (the daemon's idle-linger timer) can reset an inactivity clock
// without this package depending on the daemon package.
type ActivityNotifier interface {
	NoteActivity()
}

// Server is the ControlPlane: a Unix-domain-socket JSON server dispatching
// each Request to the session manager and metadata store it was built
// with (spec.md §4.6).
type Server struct {
	log        logr.Logger
	socketPath string
	mgr        *Manager
	activity   ActivityNotifier
	startedAt  time.Time

	mu         sync.Mutex
	listener   net.Listener
	wg         sync.WaitGroup
	shutdownCh chan struct{}
	shutdownOn sync.Once
}

// Manager is the subset of sessionmgr.Manager plus the metadata store the
// ControlPlane needs to serve requests, bundled so Server doesn't import
// the daemon's wiring concerns directly.
type Manager struct {
	Sessions *sessionmgr.Manager
	Meta     *store.Store
	RepoRoot string
}

// NewServer constructs a Server bound to socketPath. Call Serve to accept
// connections; it blocks until ctx is cancelled or Close is called.
func NewServer(log logr.Logger, socketPath string, mgr *Manager, activity ActivityNotifier) *Server {
	return &Server{log: log, socketPath: socketPath, mgr: mgr, activity: activity, startedAt: time.Now(), shutdownCh: make(chan struct{})}
}

// ShutdownRequested returns a channel closed when a client successfully
// issues OpShutdown, so the owning daemon supervisor can stop the run loop.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

// Serve listens on the Unix socket and accepts connections until ctx is
// cancelled. Each connection is handled on its own goroutine, matching
// the per-connection-goroutine shape used throughout the pack's
// daemon-style servers.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	_ = os.Remove(s.socketPath) // drop a stale socket left by a prior unclean exit
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops the listener; in-flight connections are allowed to drain.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return // client disconnected or sent a partial frame; nothing more to do
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(conn, Response{Success: false, Error: fmt.Sprintf("malformed request: %v", err)})
			continue
		}

		if s.activity != nil {
			s.activity.NoteActivity()
		}

		resp := s.dispatch(ctx, req)
		if !s.writeResponse(conn, resp) {
			return
		}
		if req.Operation == OpShutdown && resp.Success {
			return
		}
	}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error(err, "marshal control-plane response")
		return false
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return false
	}
	return true
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Operation {
	case OpPing:
		return ok(PongData{Version: Version})

	case OpStatus:
		sessions, err := s.mgr.Meta.ListSessions(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(StatusData{
			RepoPath:     s.mgr.RepoRoot,
			UptimeSecs:   int64(time.Since(s.startedAt).Seconds()),
			SessionCount: len(sessions),
			Version:      Version,
		})

	case OpSpawnSession:
		var args SpawnSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		rec, err := s.mgr.Sessions.Spawn(ctx, sessionmgr.SpawnOptions{ID: args.ID, ForceNew: args.ForceNew, Debug: args.Debug})
		if err != nil {
			return fail(err)
		}
		return ok(ExportSessionData{ID: rec.ID, Port: rec.NfsPort, MountPoint: rec.MountPoint})

	case OpExportSession:
		var args ExportSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		rec, err := s.mgr.Sessions.Attach(ctx, args.ID)
		if err != nil {
			return fail(err)
		}
		return ok(ExportSessionData{ID: rec.ID, Port: rec.NfsPort, MountPoint: rec.MountPoint})

	case OpUnexportSession:
		var args UnexportSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		if err := s.mgr.Sessions.Unexport(ctx, args.ID); err != nil {
			return fail(err)
		}
		return ok(nil)

	case OpKillSession:
		var args KillSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		discarded, err := s.mgr.Sessions.Kill(ctx, args.ID, args.Force)
		if err != nil {
			return fail(err)
		}
		return ok(KillSessionData{DiscardedDirtyCount: discarded})

	case OpListConflicts:
		conflicts, err := s.mgr.Sessions.ListConflicts(ctx)
		if err != nil {
			return fail(err)
		}
		infos := make([]ConflictInfo, 0, len(conflicts))
		for _, c := range conflicts {
			infos = append(infos, ConflictInfo{Path: c.Path, Sessions: c.Sessions})
		}
		return ok(infos)

	case OpDiffSession:
		var args DiffSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		diffs, err := s.mgr.Sessions.Diff(ctx, args.ID, args.Stat)
		if err != nil {
			return fail(err)
		}
		infos := make([]FileDiffInfo, 0, len(diffs))
		for _, d := range diffs {
			infos = append(infos, FileDiffInfo{
				Path: d.Path, New: d.New, Deleted: d.Deleted, Binary: d.Binary,
				Added: d.Added, Removed: d.Removed, Hunks: d.Hunks,
			})
		}
		return ok(infos)

	case OpPromoteSession:
		var args PromoteSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		opts := sessionmgr.PromoteOptions{Only: args.Only, Message: args.Message}
		var results []sessionmgr.PromoteResult
		if args.All {
			rs, err := s.mgr.Sessions.PromoteAll(ctx, opts)
			if err != nil {
				return fail(err)
			}
			results = rs
		} else {
			r, err := s.mgr.Sessions.Promote(ctx, args.ID, opts)
			if err != nil {
				return fail(err)
			}
			results = []sessionmgr.PromoteResult{r}
		}
		infos := make([]PromoteResultInfo, 0, len(results))
		for _, r := range results {
			info := PromoteResultInfo{Session: r.Session, Skipped: r.Skipped}
			if r.Commit != (plumbing.Hash{}) {
				info.Commit = r.Commit.String()
			}
			if r.Err != nil {
				info.Error = r.Err.Error()
			}
			infos = append(infos, info)
		}
		return ok(PromoteSessionData{Results: infos})

	case OpSnapshotSession:
		var args SnapshotSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		if err := s.mgr.Sessions.Snapshot(ctx, args.ID, args.Name); err != nil {
			return fail(err)
		}
		return ok(nil)

	case OpRestoreSession:
		var args RestoreSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		if err := s.mgr.Sessions.Restore(ctx, args.ID, args.Name, args.NoBackup); err != nil {
			return fail(err)
		}
		return ok(nil)

	case OpRebaseSession:
		var args RebaseSessionArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return fail(fmt.Errorf("decode args: %w", err))
		}
		newSpawn, err := s.mgr.Sessions.Rebase(ctx, args.ID)
		if err != nil {
			return fail(err)
		}
		return ok(RebaseSessionData{NewSpawnCommit: newSpawn.String()})

	case OpListSessions:
		recs, err := s.mgr.Meta.ListSessions(ctx)
		if err != nil {
			return fail(err)
		}
		infos := make([]SessionInfo, 0, len(recs))
		for _, rec := range recs {
			dirty, err := s.mgr.Meta.ListDirty(ctx, rec.ID)
			if err != nil {
				return fail(err)
			}
			infos = append(infos, SessionInfo{
				ID:         rec.ID,
				Port:       rec.NfsPort,
				MountPoint: rec.MountPoint,
				UptimeSecs: int64(time.Since(rec.CreatedAt).Seconds()),
				DirtyCount: len(dirty),
				State:      string(rec.State),
			})
		}
		return ok(infos)

	case OpShutdown:
		s.shutdownOn.Do(func() { close(s.shutdownCh) })
		return ok(nil)

	default:
		return fail(fmt.Errorf("unknown operation %q", req.Operation))
	}
}

func ok(data any) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(err)
	}
	return Response{Success: true, Data: raw}
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}
