package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("metadata database file was not created")
	}
}

func TestAllocateInodeMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.AllocateInode(ctx)
	if err != nil {
		t.Fatalf("AllocateInode: %v", err)
	}
	if first != 100 {
		t.Errorf("first allocated inode = %d, want 100", first)
	}

	second, err := s.AllocateInode(ctx)
	if err != nil {
		t.Fatalf("AllocateInode: %v", err)
	}
	if second <= first {
		t.Errorf("second allocated inode %d should be greater than first %d", second, first)
	}
}

// TestPathInodeBijection exercises spec.md §8 property 2: for every inode
// record r, GetByPath(r.path).inode_id == r.inode_id and vice versa.
func TestPathInodeBijection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.AllocateInode(ctx)
	if err != nil {
		t.Fatalf("AllocateInode: %v", err)
	}
	rec := InodeRecord{
		ID: id, Session: "feat", Path: "README.md", Kind: KindFile,
		Origin: Origin{Kind: OriginTracked, BlobID: "deadbeef"}, MTime: time.Now(),
	}
	if err := s.PutInode(ctx, rec, false); err != nil {
		t.Fatalf("PutInode: %v", err)
	}

	byPath, err := s.GetByPath(ctx, "feat", "README.md")
	if err != nil || byPath == nil {
		t.Fatalf("GetByPath: %v, %+v", err, byPath)
	}
	if byPath.ID != id {
		t.Errorf("GetByPath inode id = %d, want %d", byPath.ID, id)
	}

	byInode, err := s.GetByInode(ctx, "feat", id)
	if err != nil || byInode == nil {
		t.Fatalf("GetByInode: %v, %+v", err, byInode)
	}
	if byInode.Path != "README.md" {
		t.Errorf("GetByInode path = %q, want README.md", byInode.Path)
	}
}

func TestPutInodeRejectsConflictingPathWithoutOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id1, _ := s.AllocateInode(ctx)
	if err := s.PutInode(ctx, InodeRecord{ID: id1, Session: "s", Path: "a.txt", Kind: KindFile, Origin: Origin{Kind: OriginNew}, MTime: time.Now()}, false); err != nil {
		t.Fatalf("PutInode: %v", err)
	}

	id2, _ := s.AllocateInode(ctx)
	err := s.PutInode(ctx, InodeRecord{ID: id2, Session: "s", Path: "a.txt", Kind: KindFile, Origin: Origin{Kind: OriginNew}, MTime: time.Now()}, false)
	if err == nil {
		t.Error("expected PutInode to fail when path maps to a different id without overwrite")
	}

	if err := s.PutInode(ctx, InodeRecord{ID: id2, Session: "s", Path: "a.txt", Kind: KindFile, Origin: Origin{Kind: OriginNew}, MTime: time.Now()}, true); err != nil {
		t.Fatalf("PutInode with overwrite: %v", err)
	}
}

func TestDirtyTracking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkDirty(ctx, "feat", "a.txt"); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
	dirty, err := s.ListDirty(ctx, "feat")
	if err != nil {
		t.Fatalf("ListDirty: %v", err)
	}
	if len(dirty) != 1 || dirty[0] != "a.txt" {
		t.Errorf("ListDirty = %v, want [a.txt]", dirty)
	}

	ok, err := s.IsDirty(ctx, "feat", "a.txt")
	if err != nil || !ok {
		t.Errorf("IsDirty = %v, %v, want true", ok, err)
	}

	if err := s.UnmarkDirty(ctx, "feat", "a.txt"); err != nil {
		t.Fatalf("UnmarkDirty: %v", err)
	}
	dirty, _ = s.ListDirty(ctx, "feat")
	if len(dirty) != 0 {
		t.Errorf("ListDirty after unmark = %v, want empty", dirty)
	}
}

func TestRenameMigratesDirtyMark(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.AllocateInode(ctx)
	if err := s.PutInode(ctx, InodeRecord{ID: id, Session: "feat", Path: "old.txt", Kind: KindFile, Origin: Origin{Kind: OriginNew}, MTime: time.Now()}, false); err != nil {
		t.Fatalf("PutInode: %v", err)
	}
	if err := s.MarkDirty(ctx, "feat", "old.txt"); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}

	if err := s.Rename(ctx, "feat", "old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	rec, err := s.GetByPath(ctx, "feat", "new.txt")
	if err != nil || rec == nil {
		t.Fatalf("GetByPath(new.txt): %v, %+v", err, rec)
	}
	if rec.ID != id {
		t.Errorf("renamed record id = %d, want %d", rec.ID, id)
	}

	old, _ := s.GetByPath(ctx, "feat", "old.txt")
	if old != nil {
		t.Error("old path should no longer resolve")
	}

	ok, err := s.IsDirty(ctx, "feat", "new.txt")
	if err != nil || !ok {
		t.Errorf("dirty mark should have migrated to new.txt: %v %v", ok, err)
	}
	ok, _ = s.IsDirty(ctx, "feat", "old.txt")
	if ok {
		t.Error("old.txt should no longer be dirty")
	}
}

func TestTombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.AllocateInode(ctx)
	if err := s.PutInode(ctx, InodeRecord{ID: id, Session: "feat", Path: "gone.txt", Kind: KindFile, Origin: Origin{Kind: OriginTracked, BlobID: "abc"}, MTime: time.Now()}, false); err != nil {
		t.Fatalf("PutInode: %v", err)
	}
	if err := s.MarkTombstone(ctx, "feat", "gone.txt"); err != nil {
		t.Fatalf("MarkTombstone: %v", err)
	}

	rec, _ := s.GetByPath(ctx, "feat", "gone.txt")
	if rec != nil {
		t.Error("tombstoned path should no longer have an inode record")
	}

	tombs, err := s.ListTombstones(ctx, "feat")
	if err != nil || len(tombs) != 1 || tombs[0] != "gone.txt" {
		t.Errorf("ListTombstones = %v, %v, want [gone.txt]", tombs, err)
	}
}

func TestConflictDetectionAcrossSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.MarkDirty(ctx, "a", "README.md"); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
	if err := s.MarkDirty(ctx, "b", "README.md"); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}
	if err := s.MarkDirty(ctx, "a", "only-a.txt"); err != nil {
		t.Fatalf("MarkDirty: %v", err)
	}

	all, err := s.AllDirty(ctx)
	if err != nil {
		t.Fatalf("AllDirty: %v", err)
	}
	owners := all["README.md"]
	if len(owners) != 2 {
		t.Errorf("README.md owners = %v, want 2 sessions", owners)
	}
	if len(all["only-a.txt"]) != 1 {
		t.Errorf("only-a.txt owners = %v, want 1 session", all["only-a.txt"])
	}
}

func TestSessionRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := SessionRecord{
		ID: "feat", SpawnCommit: "deadbeef", SpawnBranch: "main",
		CreatedAt: time.Now().Truncate(time.Second), State: StateExported,
	}
	if err := s.PutSession(ctx, rec); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	got, err := s.GetSession(ctx, "feat")
	if err != nil || got == nil {
		t.Fatalf("GetSession: %v, %+v", err, got)
	}
	if got.SpawnCommit != "deadbeef" || got.State != StateExported {
		t.Errorf("GetSession = %+v, want spawn_commit=deadbeef state=exported", got)
	}

	rec.State = StateMounted
	rec.MountPoint = "/tmp/mnt"
	if err := s.PutSession(ctx, rec); err != nil {
		t.Fatalf("PutSession update: %v", err)
	}
	got, _ = s.GetSession(ctx, "feat")
	if got.State != StateMounted || got.MountPoint != "/tmp/mnt" {
		t.Errorf("GetSession after update = %+v", got)
	}
}

func TestDeleteSessionRemovesAllState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, _ := s.AllocateInode(ctx)
	_ = s.PutInode(ctx, InodeRecord{ID: id, Session: "feat", Path: "a.txt", Kind: KindFile, Origin: Origin{Kind: OriginNew}, MTime: time.Now()}, false)
	_ = s.MarkDirty(ctx, "feat", "a.txt")
	_ = s.PutSession(ctx, SessionRecord{ID: "feat", SpawnCommit: "x", CreatedAt: time.Now(), State: StateExported})

	if err := s.DeleteSession(ctx, "feat"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if rec, _ := s.GetByPath(ctx, "feat", "a.txt"); rec != nil {
		t.Error("inode should be gone after DeleteSession")
	}
	if dirty, _ := s.ListDirty(ctx, "feat"); len(dirty) != 0 {
		t.Error("dirty marks should be gone after DeleteSession")
	}
	if sess, _ := s.GetSession(ctx, "feat"); sess != nil {
		t.Error("session record should be gone after DeleteSession")
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	rw, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	rw.Close()

	ro, err := OpenReadOnly(dbPath)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()

	if err := ro.MarkDirty(context.Background(), "feat", "a.txt"); err == nil {
		t.Error("expected write on read-only store to fail")
	}
}
