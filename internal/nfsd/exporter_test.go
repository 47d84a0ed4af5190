package nfsd

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-logr/logr"

	"github.com/vibefs/vibefs/internal/odb"
	"github.com/vibefs/vibefs/internal/overlay"
	"github.com/vibefs/vibefs/internal/sessionstore"
	"github.com/vibefs/vibefs/internal/store"
)

func newTestExporter(t *testing.T, volatileDirs []string) (*Exporter, plumbing.Hash) {
	t.Helper()
	repoDir := t.TempDir()
	repo, err := git.PlainInit(repoDir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoDir, "a.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("a.txt"); err != nil {
		t.Fatal(err)
	}
	commit, err := wt.Commit("init", &git.CommitOptions{Author: &object.Signature{Name: "t", Email: "t@x", When: time.Now()}})
	if err != nil {
		t.Fatal(err)
	}

	meta, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
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
		t.Fatal(err)
	}
	resolver := overlay.New(meta, deltas, g, repoDir)

	e := New(logr.Discard(), resolver, meta, deltas, volatileDirs, t.TempDir(), 50, 20)
	return e, commit
}

func TestExportAssignsPortAndUnexportCleansUp(t *testing.T) {
	e, commit := newTestExporter(t, nil)

	port, err := e.Export("feat", commit)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if port == 0 {
		t.Fatal("expected a nonzero ephemeral port")
	}
	if got := e.Port("feat"); got != port {
		t.Errorf("Port() = %d, want %d", got, port)
	}
	if sessions := e.Sessions(); len(sessions) != 1 || sessions[0] != "feat" {
		t.Errorf("Sessions() = %v, want [feat]", sessions)
	}

	if err := e.Unexport("feat"); err != nil {
		t.Fatalf("Unexport: %v", err)
	}
	if got := e.Port("feat"); got != 0 {
		t.Errorf("Port() after Unexport = %d, want 0", got)
	}
}

func TestExportIsIdempotent(t *testing.T) {
	e, commit := newTestExporter(t, nil)
	defer e.ShutdownAll()

	port1, err := e.Export("feat", commit)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	port2, err := e.Export("feat", commit)
	if err != nil {
		t.Fatalf("Export (second): %v", err)
	}
	if port1 != port2 {
		t.Errorf("re-exporting should return the same port, got %d and %d", port1, port2)
	}
}

func TestExportMaterializesVolatileDirs(t *testing.T) {
	e, commit := newTestExporter(t, []string{"node_modules", "target"})
	defer e.ShutdownAll()

	if _, err := e.Export("feat", commit); err != nil {
		t.Fatalf("Export: %v", err)
	}

	for _, name := range []string{"node_modules", "target"} {
		if !e.deltas.Exists("feat", name) {
			t.Errorf("expected volatile symlink for %q to exist in delta", name)
		}
		rec, err := e.meta.GetByPath(context.Background(), "feat", name)
		if err != nil || rec == nil {
			t.Fatalf("expected inode record for %q: %v %v", name, rec, err)
		}
		if !rec.Volatile {
			t.Errorf("%q should be marked volatile", name)
		}
	}
}

func TestShutdownAllUnexportsEverySession(t *testing.T) {
	e, commit := newTestExporter(t, nil)

	if _, err := e.Export("a", commit); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Export("b", commit); err != nil {
		t.Fatal(err)
	}
	e.ShutdownAll()

	if len(e.Sessions()) != 0 {
		t.Errorf("Sessions() after ShutdownAll = %v, want empty", e.Sessions())
	}
}
