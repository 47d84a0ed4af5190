// Package overlay implements the OverlayResolver (spec.md §4.2): the
// pure function deciding, for a given session and repo-relative path,
// which of the three read layers answers a read and which single layer
// (the session delta) owns every write. It composes the metadata store,
// the session delta directory, the Git ODB, and the repository working
// tree, but owns none of their state itself.
package overlay

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/vibefs/vibefs/internal/odb"
	"github.com/vibefs/vibefs/internal/sessionstore"
	"github.com/vibefs/vibefs/internal/store"
)

// ErrNotExist is returned when a path resolves to nothing in any layer.
var ErrNotExist = errors.New("overlay: no such file or directory")

// Layer identifies which source answers a read.
type Layer int

const (
	LayerDelta Layer = iota
	LayerPassthrough
	LayerODB
	LayerSymlink
)

// Resolution is the outcome of resolving a single path for reading.
type Resolution struct {
	Layer       Layer
	DeltaPath   string // valid when Layer == LayerDelta
	Passthrough string // valid when Layer == LayerPassthrough
	BlobID      plumbing.Hash
	LinkTarget  string
	Inode       *store.InodeRecord
}

// Resolver implements spec.md §4.2 over a single repository.
type Resolver struct {
	meta    *store.Store
	deltas  *sessionstore.Store
	g       *odb.Adapter
	repoDir string
}

// New constructs a Resolver. repoDir is the repository's working
// directory (the passthrough layer's root).
func New(meta *store.Store, deltas *sessionstore.Store, g *odb.Adapter, repoDir string) *Resolver {
	return &Resolver{meta: meta, deltas: deltas, g: g, repoDir: repoDir}
}

// Resolve implements the read selection rule from spec.md §4.2 verbatim:
//
//	if inode.kind == Symlink: return link target
//	if dirty(session, path): read session delta
//	elif inode.origin == Tracked(oid): stream blob(oid)
//	elif inode.origin == Passthrough: read repo/path
//	else: ENOENT
func (r *Resolver) Resolve(ctx context.Context, session, p string) (Resolution, error) {
	rec, err := r.meta.GetByPath(ctx, session, p)
	if err != nil {
		return Resolution{}, err
	}
	if rec == nil {
		return Resolution{}, ErrNotExist
	}

	if rec.Kind == store.KindSymlink {
		return Resolution{Layer: LayerSymlink, LinkTarget: rec.Origin.Target, Inode: rec}, nil
	}

	dirty, err := r.meta.IsDirty(ctx, session, p)
	if err != nil {
		return Resolution{}, err
	}
	if dirty {
		return Resolution{Layer: LayerDelta, DeltaPath: r.deltas.Path(session, p), Inode: rec}, nil
	}

	switch rec.Origin.Kind {
	case store.OriginTracked:
		return Resolution{Layer: LayerODB, BlobID: plumbing.NewHash(rec.Origin.BlobID), Inode: rec}, nil
	case store.OriginPassthrough:
		return Resolution{Layer: LayerPassthrough, Passthrough: filepath.Join(r.repoDir, filepath.FromSlash(p)), Inode: rec}, nil
	default:
		// New-origin files must always be dirty (they exist only because
		// a session wrote them); reaching here means the dirty mark and
		// the inode record have drifted out of sync.
		return Resolution{}, ErrNotExist
	}
}

// ReadAll reads the full content a Resolution names, regardless of layer.
// commit and path are only consulted for LayerODB, where Adapter.BlobAt
// addresses blobs by (commit, path) rather than bare object id so that
// it can dedupe concurrent reads via singleflight.
func (r *Resolver) ReadAll(res Resolution, commit plumbing.Hash, path string) ([]byte, error) {
	switch res.Layer {
	case LayerDelta:
		return os.ReadFile(res.DeltaPath)
	case LayerPassthrough:
		return os.ReadFile(res.Passthrough)
	case LayerODB:
		return r.g.BlobAt(commit, path)
	case LayerSymlink:
		return []byte(res.LinkTarget), nil
	}
	return nil, ErrNotExist
}

// Entry is a single composed directory entry.
type Entry struct {
	Name string
	Kind store.Kind
}

// Compose implements the directory listing composition rule from
// spec.md §4.2: tracked entries in the base tree at dirPath, union
// passthrough directory entries not already present, union session-only
// entries created by writes, minus anything the session has tombstoned.
func (r *Resolver) Compose(ctx context.Context, session string, spawnCommit plumbing.Hash, dirPath string) ([]Entry, error) {
	seen := map[string]Entry{}

	if sub, err := r.subtreeAt(spawnCommit, dirPath); err == nil && sub != nil {
		for _, te := range sub.Entries {
			k := store.KindFile
			if te.Mode == filemode.Dir {
				k = store.KindDir
			}
			seen[te.Name] = Entry{Name: te.Name, Kind: k}
		}
	}

	passthroughDir := filepath.Join(r.repoDir, filepath.FromSlash(dirPath))
	if infos, err := os.ReadDir(passthroughDir); err == nil {
		for _, info := range infos {
			if _, exists := seen[info.Name()]; exists {
				continue
			}
			k := store.KindFile
			if info.IsDir() {
				k = store.KindDir
			}
			seen[info.Name()] = Entry{Name: info.Name(), Kind: k}
		}
	}

	tombs, err := r.meta.ListTombstones(ctx, session)
	if err != nil {
		return nil, err
	}
	base := normalizedDir(dirPath)
	for _, t := range tombs {
		if path.Dir(t) == base {
			delete(seen, path.Base(t))
		}
	}

	deltaDir := filepath.Join(r.deltas.DeltaDir(session), filepath.FromSlash(dirPath))
	if infos, err := os.ReadDir(deltaDir); err == nil {
		for _, info := range infos {
			k := store.KindFile
			switch {
			case info.IsDir():
				k = store.KindDir
			case info.Type()&os.ModeSymlink != 0:
				k = store.KindSymlink
			}
			seen[info.Name()] = Entry{Name: info.Name(), Kind: k}
		}
	}

	out := make([]Entry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// subtreeAt walks spawnCommit's tree down to dirPath, one segment at a
// time, returning nil (not an error) if dirPath does not exist or names
// a file rather than a directory.
func (r *Resolver) subtreeAt(spawnCommit plumbing.Hash, dirPath string) (*object.Tree, error) {
	tree, err := r.g.TreeAt(spawnCommit)
	if err != nil {
		return nil, err
	}
	dirPath = normalizedDir(dirPath)
	if dirPath == "." {
		return tree, nil
	}
	sub, err := tree.Tree(dirPath)
	if err != nil {
		return nil, nil
	}
	return sub, nil
}

func normalizedDir(dirPath string) string {
	if dirPath == "" {
		return "."
	}
	return dirPath
}
