// Package nfsd implements the NfsExporter (spec.md §4.3): an NFSv3
// server, one loopback TCP listener per session, translating NFS
// operations into internal/overlay.FS calls via willscott/go-nfs.
package nfsd

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vibefs/vibefs/internal/overlay"
	"github.com/vibefs/vibefs/internal/sessionstore"
	"github.com/vibefs/vibefs/internal/store"
)

// handlerCacheLimit bounds the number of file handle <-> path mappings
// willscott/go-nfs's caching handler keeps resident per export.
const handlerCacheLimit = 1 << 16

// export tracks the live state of one session's NFS export.
type export struct {
	listener net.Listener
	port     int
	cancel   context.CancelFunc
	done     chan struct{}
}

// Exporter owns every live per-session NFS export for one repository.
type Exporter struct {
	log          logr.Logger
	resolver     *overlay.Resolver
	meta         *store.Store
	deltas       *sessionstore.Store
	volatileDirs []string
	scratchRoot  string
	connRate     float64
	connBurst    int

	mu      sync.Mutex
	exports map[string]*export
}

// New constructs an Exporter. scratchRoot is where build-artifact
// passthrough directories (spec.md §4.3) are materialized, outside any
// mount point.
func New(log logr.Logger, resolver *overlay.Resolver, meta *store.Store, deltas *sessionstore.Store, volatileDirs []string, scratchRoot string, connRate float64, connBurst int) *Exporter {
	return &Exporter{
		log: log, resolver: resolver, meta: meta, deltas: deltas,
		volatileDirs: volatileDirs, scratchRoot: scratchRoot,
		connRate: connRate, connBurst: connBurst,
		exports: make(map[string]*export),
	}
}

// Export starts serving session over a new loopback TCP listener on an
// OS-assigned ephemeral port and returns that port. Re-exporting an
// already-exported session is a no-op that returns its existing port.
func (e *Exporter) Export(session string, spawnCommit plumbing.Hash) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ex, ok := e.exports[session]; ok {
		return ex.port, nil
	}

	if err := e.materializeVolatileDirs(session); err != nil {
		return 0, fmt.Errorf("materialize volatile dirs for %s: %w", session, err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen for session %s: %w", session, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	limited := &rateLimitedListener{
		Listener: ln,
		limiter:  rate.NewLimiter(rate.Limit(e.connRate), e.connBurst),
		ctx:      ctx,
	}

	fs := overlay.NewFS(e.resolver, session, spawnCommit)
	handler := nfshelper.NewNullAuthHandler(fs)
	cached := nfshelper.NewCachingHandler(handler, handlerCacheLimit)

	done := make(chan struct{})
	ex := &export{listener: ln, port: port, cancel: cancel, done: done}
	e.exports[session] = ex

	go func() {
		defer close(done)
		if err := nfs.Serve(limited, cached); err != nil && ctx.Err() == nil {
			e.log.Error(err, "nfs export terminated", "session", session)
		}
	}()

	e.log.Info("exported session", "session", session, "port", port)
	return port, nil
}

// Unexport stops serving session and closes its listener. Idempotent.
func (e *Exporter) Unexport(session string) error {
	e.mu.Lock()
	ex, ok := e.exports[session]
	if ok {
		delete(e.exports, session)
	}
	e.mu.Unlock()
	if !ok {
		return nil
	}
	ex.cancel()
	err := ex.listener.Close()
	<-ex.done
	return err
}

// Port returns the live NFS port for session, or 0 if not exported.
func (e *Exporter) Port(session string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.exports[session]; ok {
		return ex.port
	}
	return 0
}

// Sessions returns the ids of every currently exported session.
func (e *Exporter) Sessions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.exports))
	for id := range e.exports {
		out = append(out, id)
	}
	return out
}

// ShutdownAll unexports every live session, e.g. on daemon shutdown.
func (e *Exporter) ShutdownAll() {
	e.mu.Lock()
	sessions := make([]string, 0, len(e.exports))
	for id := range e.exports {
		sessions = append(sessions, id)
	}
	e.mu.Unlock()
	for _, id := range sessions {
		_ = e.Unexport(id)
	}
}

// materializeVolatileDirs implements the build-artifact passthrough rule
// from spec.md §4.3: for each configured directory name, point a symlink
// in the session delta at a per-session scratch directory outside the
// mount, so build tools never see the NFS mount's latency for generated
// output. The inode record created for each link is marked volatile so
// promotion excludes it.
func (e *Exporter) materializeVolatileDirs(session string) error {
	for _, name := range e.volatileDirs {
		scratch := filepath.Join(e.scratchRoot, session, name)
		if err := os.MkdirAll(scratch, 0755); err != nil {
			return err
		}
		if e.deltas.Exists(session, name) {
			continue
		}
		if err := e.deltas.Symlink(session, name, scratch); err != nil {
			return err
		}

		ctx := context.Background()
		id, err := e.meta.AllocateInode(ctx)
		if err != nil {
			return err
		}
		rec := store.InodeRecord{
			ID: id, Session: session, Path: name, Kind: store.KindSymlink,
			Origin: store.Origin{Kind: store.OriginSymlink, Target: scratch},
			Volatile: true, MTime: time.Now(),
		}
		if err := e.meta.PutInode(ctx, rec, true); err != nil {
			return err
		}
		if err := e.meta.MarkDirty(ctx, session, name); err != nil {
			return err
		}
	}
	return nil
}

// rateLimitedListener gates Accept behind a token bucket, per spec.md's
// ambient concern of shaping loopback connection churn from agent
// clients that reconnect aggressively.
type rateLimitedListener struct {
	net.Listener
	limiter *rate.Limiter
	ctx     context.Context
}

func (l *rateLimitedListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if err := l.limiter.Wait(l.ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
