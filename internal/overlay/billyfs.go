package overlay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/google/uuid"

	"github.com/vibefs/vibefs/internal/odb"
	"github.com/vibefs/vibefs/internal/store"
)

// errReadOnly is returned by write operations on a file opened against
// the passthrough or ODB layers without going through OpenFile's CoW path.
var errReadOnly = errors.New("overlay: file opened read-only")

// FS adapts a single session's view of the resolver to billy.Filesystem,
// the abstraction willscott/go-nfs (internal/nfsd) consumes instead of
// talking to the resolver directly. The vibe CLI does not walk sessions
// through FS; its ls and diff commands query the daemon. Every mutating
// method here is the write side spec.md §4.2 describes: "all writes,
// creates, truncations, renames, symlink/mknod operations go to the
// session delta; the inode record is updated; dirty is set."
type FS struct {
	r           *Resolver
	session     string
	spawnCommit plumbing.Hash
}

// NewFS returns a billy.Filesystem backed by r, scoped to session, whose
// base commit is spawnCommit.
func NewFS(r *Resolver, session string, spawnCommit plumbing.Hash) *FS {
	return &FS{r: r, session: session, spawnCommit: spawnCommit}
}

var _ billy.Filesystem = (*FS)(nil)

func normalizePath(p string) string {
	p = path.Clean("/" + filepath.ToSlash(p))
	p = path.Join(".", p) // drops the leading slash, collapses "."
	if p == "." {
		return ""
	}
	return p
}

// lookupOrCreate resolves p to an inode record, lazily materializing one
// from the base tree or the passthrough working directory on first
// lookup, per spec.md §3's InodeRecord lifecycle. Returns (nil, nil) if
// p exists in none of the three layers or is tombstoned in this session.
func (fs *FS) lookupOrCreate(ctx context.Context, p string) (*store.InodeRecord, error) {
	rec, err := fs.r.meta.GetByPath(ctx, fs.session, p)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	if p == "" {
		return nil, nil // export root has no inode record of its own
	}

	tombs, err := fs.r.meta.ListTombstones(ctx, fs.session)
	if err != nil {
		return nil, err
	}
	for _, t := range tombs {
		if t == p {
			return nil, nil // removed in this session
		}
	}

	if tree, err := fs.r.g.TreeAt(fs.spawnCommit); err == nil {
		if entry, err := tree.FindEntry(p); err == nil {
			kind := store.KindFile
			origin := store.Origin{Kind: store.OriginTracked, BlobID: entry.Hash.String()}
			if entry.Mode == filemode.Dir {
				kind = store.KindDir
				origin = store.Origin{Kind: store.OriginPassthrough}
			} else if entry.Mode == filemode.Symlink {
				kind = store.KindSymlink
				data, rerr := fs.r.g.BlobAt(fs.spawnCommit, p)
				if rerr != nil {
					return nil, rerr
				}
				origin = store.Origin{Kind: store.OriginSymlink, Target: string(data)}
			}
			id, err := fs.r.meta.AllocateInode(ctx)
			if err != nil {
				return nil, err
			}
			newRec := store.InodeRecord{ID: id, Session: fs.session, Path: p, Kind: kind, Origin: origin, MTime: time.Now()}
			if err := fs.r.meta.PutInode(ctx, newRec, false); err != nil {
				return nil, err
			}
			return &newRec, nil
		}
	}

	if info, err := os.Lstat(filepath.Join(fs.r.repoDir, filepath.FromSlash(p))); err == nil {
		kind := store.KindFile
		if info.IsDir() {
			kind = store.KindDir
		} else if info.Mode()&os.ModeSymlink != 0 {
			kind = store.KindSymlink
		}
		id, err := fs.r.meta.AllocateInode(ctx)
		if err != nil {
			return nil, err
		}
		newRec := store.InodeRecord{ID: id, Session: fs.session, Path: p, Kind: kind, Origin: store.Origin{Kind: store.OriginPassthrough}, MTime: info.ModTime()}
		if err := fs.r.meta.PutInode(ctx, newRec, false); err != nil {
			return nil, err
		}
		return &newRec, nil
	}

	return nil, nil
}

// copyBaseIntoDelta performs the copy-on-write step: the first time a
// tracked or passthrough path is about to be owned by the session delta,
// its current upstream content is copied in before the caller's mutation
// is applied, so the write never clobbers bytes the write didn't touch.
func (fs *FS) copyBaseIntoDelta(rec *store.InodeRecord) error {
	if fs.r.deltas.Exists(fs.session, rec.Path) {
		return nil
	}
	var data []byte
	var err error
	switch rec.Origin.Kind {
	case store.OriginTracked:
		data, err = fs.r.g.BlobAt(fs.spawnCommit, rec.Path)
		if errors.Is(err, odb.ErrNotFound) {
			data, err = nil, nil
		}
	case store.OriginPassthrough:
		data, err = os.ReadFile(filepath.Join(fs.r.repoDir, filepath.FromSlash(rec.Path)))
		if os.IsNotExist(err) {
			data, err = nil, nil
		}
	}
	if err != nil {
		return err
	}
	if rec.Kind == store.KindDir {
		return fs.r.deltas.Mkdir(fs.session, rec.Path)
	}
	return fs.r.deltas.Materialize(fs.session, rec.Path, data, 0644)
}

// Create implements billy.Basic.
func (fs *FS) Create(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

// Open implements billy.Basic.
func (fs *FS) Open(filename string) (billy.File, error) {
	return fs.OpenFile(filename, os.O_RDONLY, 0)
}

// OpenFile implements billy.Basic. Any write-capable flag routes through
// the CoW materialization path before handing back a handle onto the
// delta file; read-only opens are served directly from whichever layer
// Resolve selects.
func (fs *FS) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	ctx := context.Background()
	p := normalizePath(filename)
	write := flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0

	if !write {
		if _, err := fs.lookupOrCreate(ctx, p); err != nil {
			return nil, err
		}
		res, err := fs.r.Resolve(ctx, fs.session, p)
		if err != nil {
			return nil, err
		}
		if res.Layer == LayerDelta {
			f, err := os.OpenFile(res.DeltaPath, os.O_RDONLY, 0)
			if err != nil {
				return nil, err
			}
			return &deltaFile{File: f}, nil
		}
		data, err := fs.r.ReadAll(res, fs.spawnCommit, p)
		if err != nil {
			return nil, err
		}
		return newReadOnlyFile(p, data), nil
	}

	rec, err := fs.lookupOrCreate(ctx, p)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		id, err := fs.r.meta.AllocateInode(ctx)
		if err != nil {
			return nil, err
		}
		newRec := store.InodeRecord{ID: id, Session: fs.session, Path: p, Kind: store.KindFile, Origin: store.Origin{Kind: store.OriginNew}, MTime: time.Now()}
		if err := fs.r.meta.PutInode(ctx, newRec, false); err != nil {
			return nil, err
		}
		rec = &newRec
	} else if err := fs.copyBaseIntoDelta(rec); err != nil {
		return nil, err
	}

	f, err := fs.r.deltas.OpenForWrite(fs.session, p)
	if err != nil {
		return nil, err
	}
	if flag&os.O_TRUNC != 0 {
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
	}
	if flag&os.O_APPEND != 0 {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return nil, err
		}
	}
	if err := fs.r.meta.MarkDirty(ctx, fs.session, p); err != nil {
		f.Close()
		return nil, err
	}
	return &deltaFile{File: f}, nil
}

// Stat implements billy.Basic. Symlink targets are not resolved at this
// layer, so Stat and Lstat are identical.
func (fs *FS) Stat(filename string) (os.FileInfo, error) { return fs.Lstat(filename) }

// Lstat implements billy.Symlink.
func (fs *FS) Lstat(filename string) (os.FileInfo, error) {
	ctx := context.Background()
	p := normalizePath(filename)
	if p == "" {
		return &fileInfo{name: "/", mode: os.ModeDir | 0755, isDir: true, modTime: time.Now()}, nil
	}
	rec, err := fs.lookupOrCreate(ctx, p)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, os.ErrNotExist
	}
	return fs.infoFromRecord(ctx, rec)
}

func (fs *FS) infoFromRecord(ctx context.Context, rec *store.InodeRecord) (os.FileInfo, error) {
	size := rec.Size
	mtime := rec.MTime
	if dirty, _ := fs.r.meta.IsDirty(ctx, fs.session, rec.Path); dirty {
		if info, err := os.Lstat(fs.r.deltas.Path(fs.session, rec.Path)); err == nil {
			size = info.Size()
			mtime = info.ModTime()
		}
	}
	mode := os.FileMode(0644)
	isDir := rec.Kind == store.KindDir
	switch rec.Kind {
	case store.KindDir:
		mode = os.ModeDir | 0755
	case store.KindSymlink:
		mode = os.ModeSymlink | 0777
	}
	return &fileInfo{name: path.Base(rec.Path), size: size, mode: mode, modTime: mtime, isDir: isDir}, nil
}

// ReadDir implements billy.Dir, composing the three layers per
// spec.md §4.2's directory listing rule.
func (fs *FS) ReadDir(dirname string) ([]os.FileInfo, error) {
	ctx := context.Background()
	p := normalizePath(dirname)
	entries, err := fs.r.Compose(ctx, fs.session, fs.spawnCommit, p)
	if err != nil {
		return nil, err
	}
	out := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		childPath := path.Join(p, e.Name)
		rec, err := fs.lookupOrCreate(ctx, childPath)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			out = append(out, &fileInfo{name: e.Name, isDir: e.Kind == store.KindDir, mode: modeFor(e.Kind)})
			continue
		}
		info, err := fs.infoFromRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func modeFor(k store.Kind) os.FileMode {
	switch k {
	case store.KindDir:
		return os.ModeDir | 0755
	case store.KindSymlink:
		return os.ModeSymlink | 0777
	default:
		return 0644
	}
}

// MkdirAll implements billy.Dir.
func (fs *FS) MkdirAll(filename string, perm os.FileMode) error {
	ctx := context.Background()
	p := normalizePath(filename)
	if err := fs.r.deltas.Mkdir(fs.session, p); err != nil {
		return err
	}
	rec, err := fs.r.meta.GetByPath(ctx, fs.session, p)
	if err != nil {
		return err
	}
	if rec == nil {
		id, err := fs.r.meta.AllocateInode(ctx)
		if err != nil {
			return err
		}
		newRec := store.InodeRecord{ID: id, Session: fs.session, Path: p, Kind: store.KindDir, Origin: store.Origin{Kind: store.OriginNew}, MTime: time.Now()}
		if err := fs.r.meta.PutInode(ctx, newRec, false); err != nil {
			return err
		}
	}
	return fs.r.meta.MarkDirty(ctx, fs.session, p)
}

// Remove implements billy.Basic, the REMOVE rule from spec.md §4.3:
// delete the delta entry, clear dirty, and tombstone the path if it was
// tracked or passthrough upstream so promotion excludes it.
func (fs *FS) Remove(filename string) error {
	ctx := context.Background()
	p := normalizePath(filename)
	rec, err := fs.r.meta.GetByPath(ctx, fs.session, p)
	if err != nil {
		return err
	}
	if err := fs.r.deltas.Remove(fs.session, p); err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.Origin.Kind == store.OriginTracked || rec.Origin.Kind == store.OriginPassthrough {
		return fs.r.meta.MarkTombstone(ctx, fs.session, p)
	}
	return fs.r.meta.UnmarkDirty(ctx, fs.session, p)
}

// Rename implements billy.Basic, the RENAME rule from spec.md §4.3:
// atomic path re-index in M, rename in the delta, with the dirty mark
// migrated along.
func (fs *FS) Rename(oldpath, newpath string) error {
	ctx := context.Background()
	oldP := normalizePath(oldpath)
	newP := normalizePath(newpath)

	rec, err := fs.lookupOrCreate(ctx, oldP)
	if err != nil {
		return err
	}
	if rec == nil {
		return os.ErrNotExist
	}
	if err := fs.copyBaseIntoDelta(rec); err != nil {
		return err
	}
	if err := fs.r.deltas.Rename(fs.session, oldP, newP); err != nil {
		return err
	}
	if err := fs.r.meta.Rename(ctx, fs.session, oldP, newP); err != nil {
		return err
	}
	return fs.r.meta.MarkDirty(ctx, fs.session, newP)
}

// Symlink implements billy.Symlink: it writes a real symlink into the
// session delta and stores an InodeRecord with origin=Symlink(target),
// from which Readlink returns the target literally (spec.md §4.3).
func (fs *FS) Symlink(target, linkname string) error {
	ctx := context.Background()
	p := normalizePath(linkname)
	if err := fs.r.deltas.Symlink(fs.session, p, target); err != nil {
		return err
	}
	rec, err := fs.r.meta.GetByPath(ctx, fs.session, p)
	if err != nil {
		return err
	}
	id := int64(0)
	if rec != nil {
		id = rec.ID
	} else {
		id, err = fs.r.meta.AllocateInode(ctx)
		if err != nil {
			return err
		}
	}
	newRec := store.InodeRecord{ID: id, Session: fs.session, Path: p, Kind: store.KindSymlink, Origin: store.Origin{Kind: store.OriginSymlink, Target: target}, MTime: time.Now()}
	if err := fs.r.meta.PutInode(ctx, newRec, true); err != nil {
		return err
	}
	return fs.r.meta.MarkDirty(ctx, fs.session, p)
}

// Readlink implements billy.Symlink.
func (fs *FS) Readlink(linkname string) (string, error) {
	p := normalizePath(linkname)
	res, err := fs.r.Resolve(context.Background(), fs.session, p)
	if err != nil {
		return "", err
	}
	if res.Layer != LayerSymlink {
		return "", errors.New("overlay: readlink on a non-symlink")
	}
	return res.LinkTarget, nil
}

// Join implements billy.Basic. Paths in this package are always
// forward-slash, repo-relative — the convention NFSv3 itself uses.
func (fs *FS) Join(elem ...string) string { return path.Join(elem...) }

// TempFile implements billy.TempFile by creating a uniquely named file in
// dir through OpenFile's write path.
func (fs *FS) TempFile(dir, prefix string) (billy.File, error) {
	name := path.Join(dir, prefix+uuid.NewString())
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
}

// Chroot implements billy.Chroot. VibeFS scopes one FS per session
// already, so sub-rooting is never needed.
func (fs *FS) Chroot(p string) (billy.Filesystem, error) {
	return nil, errors.New("overlay: chroot not supported")
}

// Root implements billy.Chroot.
func (fs *FS) Root() string { return "/" }

// fileInfo is a minimal os.FileInfo backed by an InodeRecord or a
// composed directory entry.
type fileInfo struct {
	name    string
	size    int64
	mode    os.FileMode
	modTime time.Time
	isDir   bool
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() os.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.isDir }
func (fi *fileInfo) Sys() any           { return nil }

// deltaFile adapts *os.File to billy.File: VibeFS has no cross-process
// locking protocol (spec.md §1 non-goals), so Lock/Unlock are no-ops.
type deltaFile struct {
	*os.File
}

func (f *deltaFile) Lock() error   { return nil }
func (f *deltaFile) Unlock() error { return nil }

// readOnlyFile serves content read from the passthrough or ODB layers,
// which VibeFS never writes back to directly (all writes go through
// OpenFile's CoW path onto a real delta file).
type readOnlyFile struct {
	name string
	r    *bytes.Reader
}

func newReadOnlyFile(name string, data []byte) *readOnlyFile {
	return &readOnlyFile{name: name, r: bytes.NewReader(data)}
}

func (f *readOnlyFile) Name() string                           { return f.name }
func (f *readOnlyFile) Read(p []byte) (int, error)             { return f.r.Read(p) }
func (f *readOnlyFile) ReadAt(p []byte, off int64) (int, error) { return f.r.ReadAt(p, off) }
func (f *readOnlyFile) Seek(offset int64, whence int) (int64, error) {
	return f.r.Seek(offset, whence)
}
func (f *readOnlyFile) Write(p []byte) (int, error) { return 0, errReadOnly }
func (f *readOnlyFile) Truncate(size int64) error   { return errReadOnly }
func (f *readOnlyFile) Close() error                { return nil }
func (f *readOnlyFile) Lock() error                 { return nil }
func (f *readOnlyFile) Unlock() error                { return nil }
