package overlay

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/vibefs/vibefs/internal/store"
)

func TestFSReadTrackedFileLazilyCreatesInode(t *testing.T) {
	r, meta, _, _, _, commit := newTestResolver(t)
	fs := NewFS(r, "feat", commit)

	f, err := fs.Open("README.md")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "tracked\n" {
		t.Errorf("got %q, want tracked", data)
	}

	rec, err := meta.GetByPath(context.Background(), "feat", "README.md")
	if err != nil || rec == nil {
		t.Fatalf("expected lazily-created inode record, got %v %v", rec, err)
	}
}

func TestFSWriteMaterializesCopyOnWrite(t *testing.T) {
	r, meta, deltas, _, _, commit := newTestResolver(t)
	fs := NewFS(r, "feat", commit)

	f, err := fs.OpenFile("README.md", os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteAt([]byte("XXX"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	if !deltas.Exists("feat", "README.md") {
		t.Fatal("expected delta file to exist after write")
	}
	data, _ := os.ReadFile(deltas.Path("feat", "README.md"))
	if string(data) != "XXXcked\n" {
		t.Errorf("got %q, want XXXcked\\n (bytes outside the write range preserved)", data)
	}

	dirty, err := meta.IsDirty(context.Background(), "feat", "README.md")
	if err != nil || !dirty {
		t.Errorf("expected README.md to be dirty after write, got %v %v", dirty, err)
	}
}

func TestFSCreateNewFile(t *testing.T) {
	r, meta, _, _, _, commit := newTestResolver(t)
	fs := NewFS(r, "feat", commit)

	f, err := fs.Create("new.txt")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	rec, err := meta.GetByPath(context.Background(), "feat", "new.txt")
	if err != nil || rec == nil {
		t.Fatalf("expected inode record for new.txt: %v %v", rec, err)
	}
	if rec.Origin.Kind != store.OriginNew {
		t.Errorf("Origin.Kind = %v, want new", rec.Origin.Kind)
	}
}

func TestFSRemoveTrackedFileRecordsTombstone(t *testing.T) {
	r, meta, _, _, _, commit := newTestResolver(t)
	fs := NewFS(r, "feat", commit)

	if _, err := fs.Lstat("README.md"); err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if err := fs.Remove("README.md"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	tombs, err := meta.ListTombstones(context.Background(), "feat")
	if err != nil || len(tombs) != 1 || tombs[0] != "README.md" {
		t.Errorf("ListTombstones = %v, %v, want [README.md]", tombs, err)
	}
	if rec, _ := meta.GetByPath(context.Background(), "feat", "README.md"); rec != nil {
		t.Error("inode record should be gone after tombstoning")
	}
}

func TestFSRenamePreservesDirtyMark(t *testing.T) {
	r, meta, _, _, _, commit := newTestResolver(t)
	fs := NewFS(r, "feat", commit)

	if err := fs.Rename("README.md", "RENAMED.md"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	dirty, err := meta.IsDirty(context.Background(), "feat", "RENAMED.md")
	if err != nil || !dirty {
		t.Errorf("expected RENAMED.md to be dirty: %v %v", dirty, err)
	}
	f, err := fs.Open("RENAMED.md")
	if err != nil {
		t.Fatalf("Open(RENAMED.md): %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "tracked\n" {
		t.Errorf("RENAMED.md content = %q, want tracked", data)
	}
}

func TestFSReadDirListsAllLayers(t *testing.T) {
	r, _, _, _, _, commit := newTestResolver(t)
	fs := NewFS(r, "feat", commit)

	if _, err := fs.Create("new.txt"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	infos, err := fs.ReadDir("")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, fi := range infos {
		names[fi.Name()] = true
	}
	for _, want := range []string{"README.md", "src", "scratch.txt", "new.txt"} {
		if !names[want] {
			t.Errorf("ReadDir missing %q, got %v", want, names)
		}
	}
}

func TestFSSymlinkAndReadlink(t *testing.T) {
	r, _, _, _, _, commit := newTestResolver(t)
	fs := NewFS(r, "feat", commit)

	if err := fs.Symlink("README.md", "link"); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	target, err := fs.Readlink("link")
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	if target != "README.md" {
		t.Errorf("Readlink = %q, want README.md", target)
	}
}
