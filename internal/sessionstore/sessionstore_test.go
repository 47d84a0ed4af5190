package sessionstore

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir())
}

func TestCreateAndRemoveDelta(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateDelta("feat"); err != nil {
		t.Fatalf("CreateDelta: %v", err)
	}
	if _, err := os.Stat(s.DeltaDir("feat")); err != nil {
		t.Fatalf("delta dir missing: %v", err)
	}
	if err := s.WriteFile("feat", "a.txt", []byte("1"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := s.RemoveDelta("feat"); err != nil {
		t.Fatalf("RemoveDelta: %v", err)
	}
	if _, err := os.Stat(s.DeltaDir("feat")); !os.IsNotExist(err) {
		t.Error("delta dir should be gone after RemoveDelta")
	}
}

func TestMaterializeOnlyOnFirstWrite(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateDelta("feat")

	if err := s.Materialize("feat", "a.txt", []byte("base"), 0644); err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	data, _ := os.ReadFile(s.Path("feat", "a.txt"))
	if string(data) != "base" {
		t.Fatalf("got %q, want base", data)
	}

	// A second Materialize with different content must not overwrite —
	// the delta already owns this path.
	if err := s.Materialize("feat", "a.txt", []byte("different"), 0644); err != nil {
		t.Fatalf("Materialize (second): %v", err)
	}
	data, _ = os.ReadFile(s.Path("feat", "a.txt"))
	if string(data) != "base" {
		t.Errorf("Materialize should not overwrite existing delta content, got %q", data)
	}
}

func TestOpenForWritePreservesBytesOutsideRange(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateDelta("feat")
	_ = s.WriteFile("feat", "a.txt", []byte("0123456789"), 0644)

	f, err := s.OpenForWrite("feat", "a.txt")
	if err != nil {
		t.Fatalf("OpenForWrite: %v", err)
	}
	if _, err := f.WriteAt([]byte("XY"), 2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	data, _ := os.ReadFile(s.Path("feat", "a.txt"))
	if string(data) != "01XY456789" {
		t.Errorf("got %q, want 01XY456789", data)
	}
}

func TestRenamePreservesContent(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateDelta("feat")
	_ = s.WriteFile("feat", "old.txt", []byte("hi"), 0644)

	if err := s.Rename("feat", "old.txt", "sub/new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if s.Exists("feat", "old.txt") {
		t.Error("old.txt should no longer exist")
	}
	data, err := os.ReadFile(s.Path("feat", "sub/new.txt"))
	if err != nil || string(data) != "hi" {
		t.Errorf("sub/new.txt = %q, %v", data, err)
	}
}

func TestSnapshotIsIndependentOfDelta(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateDelta("feat")
	_ = s.WriteFile("feat", "a.txt", []byte("v1"), 0644)

	if err := s.Snapshot("feat", "snap1"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	// Mutate the live delta after snapshotting.
	_ = s.WriteFile("feat", "a.txt", []byte("v2"), 0644)
	_ = s.WriteFile("feat", "b.txt", []byte("new"), 0644)

	snapData, err := os.ReadFile(filepath.Join(s.SnapshotDir("feat", "snap1"), "a.txt"))
	if err != nil || string(snapData) != "v1" {
		t.Errorf("snapshot a.txt = %q, %v, want v1 (independent of later writes)", snapData, err)
	}
	if _, err := os.Stat(filepath.Join(s.SnapshotDir("feat", "snap1"), "b.txt")); !os.IsNotExist(err) {
		t.Error("snapshot should not see files created after it was taken")
	}

	// Mutate the snapshot; the live delta must be unaffected.
	_ = os.WriteFile(filepath.Join(s.SnapshotDir("feat", "snap1"), "a.txt"), []byte("tampered"), 0644)
	liveData, _ := os.ReadFile(s.Path("feat", "a.txt"))
	if string(liveData) != "v2" {
		t.Errorf("live delta should be unaffected by snapshot mutation, got %q", liveData)
	}
}

func TestRestoreFromSnapshot(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateDelta("feat")
	_ = s.WriteFile("feat", "a.txt", []byte("v1"), 0644)
	_ = s.Snapshot("feat", "snap1")

	_ = s.WriteFile("feat", "a.txt", []byte("v2"), 0644)
	_ = s.WriteFile("feat", "b.txt", []byte("extra"), 0644)

	if err := s.RestoreFromSnapshot("feat", "snap1"); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}

	data, _ := os.ReadFile(s.Path("feat", "a.txt"))
	if string(data) != "v1" {
		t.Errorf("restored a.txt = %q, want v1", data)
	}
	if s.Exists("feat", "b.txt") {
		t.Error("b.txt should not survive restore to a snapshot that predates it")
	}
}

func TestListSnapshotNames(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateDelta("feat")
	_ = s.CreateDelta("other")
	_ = s.Snapshot("feat", "one")
	_ = s.Snapshot("feat", "two")
	_ = s.Snapshot("other", "one")

	names, err := s.ListSnapshotNames("feat")
	if err != nil {
		t.Fatalf("ListSnapshotNames: %v", err)
	}
	sort.Strings(names)
	if len(names) != 2 || names[0] != "one" || names[1] != "two" {
		t.Errorf("ListSnapshotNames = %v, want [one two]", names)
	}
}

func TestWalkListsOnlyFiles(t *testing.T) {
	s := newTestStore(t)
	_ = s.CreateDelta("feat")
	_ = s.WriteFile("feat", "a.txt", []byte("1"), 0644)
	_ = s.WriteFile("feat", "sub/b.txt", []byte("2"), 0644)
	_ = s.Mkdir("feat", "empty")

	paths, err := s.Walk("feat")
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	sort.Strings(paths)
	if len(paths) != 2 || paths[0] != "a.txt" || paths[1] != "sub/b.txt" {
		t.Errorf("Walk = %v, want [a.txt sub/b.txt]", paths)
	}
}
