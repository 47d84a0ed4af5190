package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/vibefs/vibefs/internal/odb"
	"github.com/vibefs/vibefs/internal/sessionstore"
	"github.com/vibefs/vibefs/internal/store"
)

// testRepo creates a real Git repository with a tracked file README.md
// and an untracked file scratch.txt sitting in the working directory,
// returning the repo root and HEAD commit.
func testRepo(t *testing.T) (string, plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("tracked\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("src/main.go"); err != nil {
		t.Fatal(err)
	}
	sig := &object.Signature{Name: "T", Email: "t@example.com", When: time.Now()}
	commit, err := wt.Commit("initial", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("untracked\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, commit
}

func newTestResolver(t *testing.T) (*Resolver, *store.Store, *sessionstore.Store, *odb.Adapter, string, plumbing.Hash) {
	t.Helper()
	repoDir, commit := testRepo(t)

	metaPath := filepath.Join(t.TempDir(), "meta.db")
	meta, err := store.Open(metaPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	deltas := sessionstore.New(t.TempDir())
	if err := deltas.CreateDelta("feat"); err != nil {
		t.Fatal(err)
	}

	g, err := odb.Open(repoDir)
	if err != nil {
		t.Fatalf("odb.Open: %v", err)
	}

	r := New(meta, deltas, g, repoDir)
	return r, meta, deltas, g, repoDir, commit
}

func TestResolveTrackedFileReadsFromODB(t *testing.T) {
	r, meta, _, g, _, commit := newTestResolver(t)
	ctx := context.Background()

	blobID := blobHashFor(t, g, commit, "README.md").String()
	err := meta.PutInode(ctx, store.InodeRecord{
		ID: 100, Session: "feat", Path: "README.md", Kind: store.KindFile,
		Origin: store.Origin{Kind: store.OriginTracked, BlobID: blobID}, MTime: time.Now(),
	}, false)
	if err != nil {
		t.Fatalf("PutInode: %v", err)
	}

	res, err := r.Resolve(ctx, "feat", "README.md")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Layer != LayerODB {
		t.Fatalf("Layer = %v, want LayerODB", res.Layer)
	}

	data, err := r.ReadAll(res, commit, "README.md")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "tracked\n" {
		t.Errorf("ReadAll = %q, want %q", data, "tracked\n")
	}
}

func blobHashFor(t *testing.T, g *odb.Adapter, commit plumbing.Hash, path string) plumbing.Hash {
	t.Helper()
	tree, err := g.TreeAt(commit)
	if err != nil {
		t.Fatal(err)
	}
	entry, err := tree.FindEntry(path)
	if err != nil {
		t.Fatal(err)
	}
	return entry.Hash
}

func TestResolveDirtyFileReadsFromDelta(t *testing.T) {
	r, meta, deltas, _, _, _ := newTestResolver(t)
	ctx := context.Background()

	if err := deltas.WriteFile("feat", "README.md", []byte("edited\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := meta.PutInode(ctx, store.InodeRecord{
		ID: 101, Session: "feat", Path: "README.md", Kind: store.KindFile,
		Origin: store.Origin{Kind: store.OriginTracked, BlobID: "irrelevant"}, MTime: time.Now(),
	}, false); err != nil {
		t.Fatal(err)
	}
	if err := meta.MarkDirty(ctx, "feat", "README.md"); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(ctx, "feat", "README.md")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Layer != LayerDelta {
		t.Fatalf("Layer = %v, want LayerDelta", res.Layer)
	}
	data, err := r.ReadAll(res, plumbing.ZeroHash, "")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "edited\n" {
		t.Errorf("ReadAll = %q, want edited", data)
	}
}

func TestResolvePassthroughFile(t *testing.T) {
	r, meta, _, _, _, _ := newTestResolver(t)
	ctx := context.Background()

	if err := meta.PutInode(ctx, store.InodeRecord{
		ID: 102, Session: "feat", Path: "scratch.txt", Kind: store.KindFile,
		Origin: store.Origin{Kind: store.OriginPassthrough}, MTime: time.Now(),
	}, false); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(ctx, "feat", "scratch.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Layer != LayerPassthrough {
		t.Fatalf("Layer = %v, want LayerPassthrough", res.Layer)
	}
	data, err := r.ReadAll(res, plumbing.ZeroHash, "")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "untracked\n" {
		t.Errorf("ReadAll = %q, want untracked", data)
	}
}

func TestResolveSymlink(t *testing.T) {
	r, meta, _, _, _, _ := newTestResolver(t)
	ctx := context.Background()

	if err := meta.PutInode(ctx, store.InodeRecord{
		ID: 103, Session: "feat", Path: "link", Kind: store.KindSymlink,
		Origin: store.Origin{Kind: store.OriginSymlink, Target: "README.md"}, MTime: time.Now(),
	}, false); err != nil {
		t.Fatal(err)
	}

	res, err := r.Resolve(ctx, "feat", "link")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Layer != LayerSymlink || res.LinkTarget != "README.md" {
		t.Errorf("Resolve(link) = %+v", res)
	}
}

func TestResolveMissingReturnsErrNotExist(t *testing.T) {
	r, _, _, _, _, _ := newTestResolver(t)
	_, err := r.Resolve(context.Background(), "feat", "nope.txt")
	if err != ErrNotExist {
		t.Errorf("Resolve(missing) err = %v, want ErrNotExist", err)
	}
}

func TestComposeUnionsAllThreeLayers(t *testing.T) {
	r, meta, deltas, _, _, commit := newTestResolver(t)
	ctx := context.Background()

	// New file written only in the session delta.
	if err := deltas.WriteFile("feat", "new.txt", []byte("new"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := meta.PutInode(ctx, store.InodeRecord{
		ID: 104, Session: "feat", Path: "new.txt", Kind: store.KindFile,
		Origin: store.Origin{Kind: store.OriginNew}, MTime: time.Now(),
	}, false); err != nil {
		t.Fatal(err)
	}
	if err := meta.MarkDirty(ctx, "feat", "new.txt"); err != nil {
		t.Fatal(err)
	}

	entries, err := r.Compose(ctx, "feat", commit, "")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	for _, want := range []string{"README.md", "src", "scratch.txt", "new.txt"} {
		if !names[want] {
			t.Errorf("Compose missing entry %q, got %v", want, names)
		}
	}
}

func TestComposeExcludesTombstonedEntries(t *testing.T) {
	r, meta, _, _, _, commit := newTestResolver(t)
	ctx := context.Background()

	if err := meta.MarkTombstone(ctx, "feat", "README.md"); err != nil {
		t.Fatal(err)
	}

	entries, err := r.Compose(ctx, "feat", commit, "")
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	for _, e := range entries {
		if e.Name == "README.md" {
			t.Error("tombstoned README.md should not appear in Compose output")
		}
	}
}
