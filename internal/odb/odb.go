// Package odb adapts github.com/go-git/go-git/v5 to the small capability
// surface spec.md §4 calls "OdbAdapter": resolve HEAD, read a tree at a
// commit, stream a blob by path, hash-and-store new blobs, build trees,
// write commits, update refs, and evaluate gitignore rules. Repository
// access goes through this package; other packages still import go-git's
// plumbing, object and filemode types for hashes and tree entries, and the
// CLI uses go-git directly to discover the repository root.
package odb

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/go-git/go-git/v5/plumbing/object"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned when a path has no entry in a tree.
var ErrNotFound = errors.New("odb: path not found")

// Adapter wraps a single on-disk Git repository.
type Adapter struct {
	repo     *git.Repository
	repoRoot string
	blobSF   singleflight.Group
}

// Open opens the Git repository rooted at repoRoot.
func Open(repoRoot string) (*Adapter, error) {
	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("open git repository at %s: %w", repoRoot, err)
	}
	return &Adapter{repo: repo, repoRoot: repoRoot}, nil
}

// ResolveHEAD returns the commit hash HEAD currently points to.
func (a *Adapter) ResolveHEAD() (plumbing.Hash, error) {
	ref, err := a.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
	}
	return ref.Hash(), nil
}

// HeadBranch returns the short name of the branch HEAD points to, or ""
// for a detached HEAD. It is informational only (spec.md's spawn_branch).
func (a *Adapter) HeadBranch() string {
	ref, err := a.repo.Head()
	if err != nil || !ref.Name().IsBranch() {
		return ""
	}
	return ref.Name().Short()
}

// TreeAt returns the tree object at commit.
func (a *Adapter) TreeAt(commit plumbing.Hash) (*object.Tree, error) {
	c, err := a.repo.CommitObject(commit)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", commit, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree for commit %s: %w", commit, err)
	}
	return tree, nil
}

// BlobAt streams the content of path as tracked at commit. Concurrent
// calls for the same (commit, path) are deduplicated via singleflight,
// since many sessions spawned from the same HEAD commonly read the same
// unchanged files.
func (a *Adapter) BlobAt(commit plumbing.Hash, path string) ([]byte, error) {
	key := commit.String() + ":" + path
	v, err, _ := a.blobSF.Do(key, func() (any, error) {
		tree, err := a.TreeAt(commit)
		if err != nil {
			return nil, err
		}
		entry, err := tree.FindEntry(path)
		if err != nil {
			if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("find entry %s: %w", path, err)
		}
		blob, err := a.repo.BlobObject(entry.Hash)
		if err != nil {
			return nil, fmt.Errorf("load blob %s for %s: %w", entry.Hash, path, err)
		}
		r, err := blob.Reader()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// WriteBlob hashes and stores data as a new blob, returning its object id.
func (a *Adapter) WriteBlob(data []byte) (plumbing.Hash, error) {
	obj := a.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return a.repo.Storer.SetEncodedObject(obj)
}

// TreeEdit describes a single path mutation to apply on top of a base
// tree: either replace/create a blob at Path, or (if Delete) remove it.
type TreeEdit struct {
	Path   string
	Hash   plumbing.Hash
	Mode   filemode.FileMode
	Delete bool
}

// WriteTree builds a new tree by overlaying edits on top of base (which
// may be nil for an empty base, e.g. an orphan commit). This is the
// recursive tree rewrite spec.md §4.5 step 4 describes.
func (a *Adapter) WriteTree(base *object.Tree, edits []TreeEdit) (plumbing.Hash, error) {
	byPath := make(map[string]TreeEdit, len(edits))
	for _, e := range edits {
		byPath[e.Path] = e
	}
	hash, err := a.rewriteTree(base, byPath)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if hash == plumbing.ZeroHash {
		// An entirely empty tree is still a valid (empty) Git tree object.
		return a.newTreeFromEntries(nil)
	}
	return hash, nil
}

func (a *Adapter) rewriteTree(base *object.Tree, edits map[string]TreeEdit) (plumbing.Hash, error) {
	direct := map[string]TreeEdit{}
	nested := map[string]map[string]TreeEdit{}
	for path, e := range edits {
		head, rest, found := strings.Cut(path, "/")
		if !found {
			direct[head] = e
			continue
		}
		if nested[head] == nil {
			nested[head] = map[string]TreeEdit{}
		}
		sub := e
		sub.Path = rest
		nested[head][rest] = sub
	}

	existing := map[string]object.TreeEntry{}
	if base != nil {
		for _, te := range base.Entries {
			existing[te.Name] = te
		}
	}

	handled := map[string]bool{}
	var result []object.TreeEntry

	for name, e := range direct {
		handled[name] = true
		if e.Delete {
			continue
		}
		result = append(result, object.TreeEntry{Name: name, Mode: e.Mode, Hash: e.Hash})
	}

	for name, sub := range nested {
		handled[name] = true
		var baseSub *object.Tree
		if te, ok := existing[name]; ok && te.Mode == filemode.Dir {
			var err error
			baseSub, err = a.treeByHash(te.Hash)
			if err != nil {
				return plumbing.ZeroHash, err
			}
		}
		subHash, err := a.rewriteTree(baseSub, sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if subHash == plumbing.ZeroHash {
			continue // subtree ended up empty; drop the directory entirely
		}
		result = append(result, object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: subHash})
	}

	for name, te := range existing {
		if handled[name] {
			continue
		}
		result = append(result, te)
	}

	if len(result) == 0 {
		return plumbing.ZeroHash, nil
	}
	return a.newTreeFromEntries(result)
}

func (a *Adapter) treeByHash(h plumbing.Hash) (*object.Tree, error) {
	return object.GetTree(a.repo.Storer, h)
}

func (a *Adapter) newTreeFromEntries(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	tree := &object.Tree{Entries: entries}
	obj := a.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return a.repo.Storer.SetEncodedObject(obj)
}

// Signature identifies a commit's author/committer.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// WriteCommit creates a new commit object with the given parent and tree.
func (a *Adapter) WriteCommit(parent plumbing.Hash, tree plumbing.Hash, message string, sig Signature) (plumbing.Hash, error) {
	var parents []plumbing.Hash
	if parent != plumbing.ZeroHash {
		parents = []plumbing.Hash{parent}
	}
	commit := &object.Commit{
		Author:       object.Signature{Name: sig.Name, Email: sig.Email, When: sig.When},
		Committer:    object.Signature{Name: sig.Name, Email: sig.Email, When: sig.When},
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := a.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return a.repo.Storer.SetEncodedObject(obj)
}

// UpdateRef points name at hash, creating the ref if it does not exist.
// VibeFS only ever calls this for refs/vibes/* names (spec.md §6).
func (a *Adapter) UpdateRef(name plumbing.ReferenceName, hash plumbing.Hash) error {
	ref := plumbing.NewHashReference(name, hash)
	return a.repo.Storer.SetReference(ref)
}

// ResolveRef resolves a ref name to a commit hash, or plumbing.ZeroHash if
// it does not exist.
func (a *Adapter) ResolveRef(name plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := a.repo.Reference(name, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return plumbing.ZeroHash, nil
	}
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// IgnoreMatcher evaluates gitignore rules rooted at the repository
// worktree. Promotion is the sole consumer (spec.md §4.2: "the resolver
// does not consult ignore rules").
type IgnoreMatcher struct {
	matcher gitignore.Matcher
}

// LoadIgnoreMatcher reads gitignore patterns from the repository's
// working directory.
func (a *Adapter) LoadIgnoreMatcher() (*IgnoreMatcher, error) {
	fs := osfs.New(a.repoRoot)
	patterns, err := gitignore.ReadPatterns(fs, nil)
	if err != nil {
		return nil, fmt.Errorf("read gitignore patterns: %w", err)
	}
	return &IgnoreMatcher{matcher: gitignore.NewMatcher(patterns)}, nil
}

// Match reports whether repo-relative path (forward-slash, no leading
// slash) is ignored.
func (m *IgnoreMatcher) Match(path string, isDir bool) bool {
	if m == nil {
		return false
	}
	return m.matcher.Match(strings.Split(path, "/"), isDir)
}

// ChangedPaths returns every file path that differs between the trees at
// x and y, used by the rebase open question's conflict check (spec.md
// §6, "advance spawn_commit").
func (a *Adapter) ChangedPaths(x, y plumbing.Hash) ([]string, error) {
	tx, err := a.TreeAt(x)
	if err != nil {
		return nil, err
	}
	ty, err := a.TreeAt(y)
	if err != nil {
		return nil, err
	}
	changes, err := tx.Diff(ty)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	paths := make(map[string]bool, len(changes))
	for _, c := range changes {
		if c.From.Name != "" {
			paths[c.From.Name] = true
		}
		if c.To.Name != "" {
			paths[c.To.Name] = true
		}
	}
	out := make([]string, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// CompareCommits reports whether commits x and y have different trees.
func (a *Adapter) CompareCommits(x, y plumbing.Hash) (bool, error) {
	if x == y {
		return false, nil
	}
	cx, err := a.repo.CommitObject(x)
	if err != nil {
		return false, err
	}
	cy, err := a.repo.CommitObject(y)
	if err != nil {
		return false, err
	}
	return cx.TreeHash != cy.TreeHash, nil
}

// RepoRoot returns the filesystem path of the repository's working
// directory.
func (a *Adapter) RepoRoot() string { return a.repoRoot }
