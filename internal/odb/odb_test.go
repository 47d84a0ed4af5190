package odb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// initRepo creates a real on-disk Git repository with a single commit
// containing README.md = "A\n", returning the repo root and commit hash.
func initRepo(t *testing.T) (string, plumbing.Hash) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("A\n"), 0644); err != nil {
		t.Fatalf("write README.md: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()}
	hash, err := wt.Commit("initial", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return dir, hash
}

func TestResolveHEADAndBlobAt(t *testing.T) {
	dir, commit := initRepo(t)
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	head, err := a.ResolveHEAD()
	if err != nil {
		t.Fatalf("ResolveHEAD: %v", err)
	}
	if head != commit {
		t.Errorf("ResolveHEAD = %s, want %s", head, commit)
	}

	data, err := a.BlobAt(commit, "README.md")
	if err != nil {
		t.Fatalf("BlobAt: %v", err)
	}
	if string(data) != "A\n" {
		t.Errorf("BlobAt = %q, want %q", data, "A\n")
	}

	if _, err := a.BlobAt(commit, "missing.txt"); err != ErrNotFound {
		t.Errorf("BlobAt(missing) err = %v, want ErrNotFound", err)
	}
}

func TestWriteTreeAndCommit(t *testing.T) {
	dir, commit := initRepo(t)
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	base, err := a.TreeAt(commit)
	if err != nil {
		t.Fatalf("TreeAt: %v", err)
	}

	blobHash, err := a.WriteBlob([]byte("B\n"))
	if err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}

	newTree, err := a.WriteTree(base, []TreeEdit{{Path: "README.md", Hash: blobHash, Mode: filemode.Regular}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	newCommit, err := a.WriteCommit(commit, newTree, "change", Signature{Name: "T", Email: "t@example.com", When: time.Now()})
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}

	data, err := a.BlobAt(newCommit, "README.md")
	if err != nil {
		t.Fatalf("BlobAt on new commit: %v", err)
	}
	if string(data) != "B\n" {
		t.Errorf("BlobAt = %q, want %q", data, "B\n")
	}

	differs, err := a.CompareCommits(commit, newCommit)
	if err != nil {
		t.Fatalf("CompareCommits: %v", err)
	}
	if !differs {
		t.Error("CompareCommits should report the trees differ")
	}
}

func TestWriteTreeAddsNestedFileWithoutDisturbingSiblings(t *testing.T) {
	dir, commit := initRepo(t)
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base, _ := a.TreeAt(commit)

	blobHash, _ := a.WriteBlob([]byte("fn main() {}\n"))
	newTree, err := a.WriteTree(base, []TreeEdit{{Path: "src/main.rs", Hash: blobHash, Mode: filemode.Regular}})
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}

	newCommit, err := a.WriteCommit(commit, newTree, "add src/main.rs", Signature{Name: "T", Email: "t@example.com", When: time.Now()})
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}

	data, err := a.BlobAt(newCommit, "src/main.rs")
	if err != nil {
		t.Fatalf("BlobAt(src/main.rs): %v", err)
	}
	if string(data) != "fn main() {}\n" {
		t.Errorf("BlobAt = %q", data)
	}

	original, err := a.BlobAt(newCommit, "README.md")
	if err != nil || string(original) != "A\n" {
		t.Errorf("README.md should be untouched: %v %q", err, original)
	}
}

func TestUpdateRefAndResolveRef(t *testing.T) {
	dir, commit := initRepo(t)
	a, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	refName := plumbing.ReferenceName("refs/vibes/feat")
	if err := a.UpdateRef(refName, commit); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}

	resolved, err := a.ResolveRef(refName)
	if err != nil {
		t.Fatalf("ResolveRef: %v", err)
	}
	if resolved != commit {
		t.Errorf("ResolveRef = %s, want %s", resolved, commit)
	}

	missing, err := a.ResolveRef(plumbing.ReferenceName("refs/vibes/nope"))
	if err != nil {
		t.Fatalf("ResolveRef(missing): %v", err)
	}
	if missing != plumbing.ZeroHash {
		t.Errorf("ResolveRef(missing) = %s, want zero hash", missing)
	}
}
