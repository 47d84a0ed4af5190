// Package sessionstore manages the on-disk delta directory tree for a
// session: the filesystem area that holds only the files a session has
// actually written, plus its snapshot siblings (spec.md §3's
// "SessionStore (S)"). It knows nothing about Git or inode bookkeeping;
// callers (internal/overlay, internal/sessionmgr) layer that on top.
package sessionstore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Store roots every session's delta and snapshot directories under a
// single base directory, conventionally <repoRoot>/.vibe/sessions.
type Store struct {
	baseDir string
}

// New returns a Store rooted at baseDir. baseDir must already exist.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DeltaDir returns the delta directory path for session id.
func (s *Store) DeltaDir(session string) string {
	return filepath.Join(s.baseDir, session)
}

// SnapshotDir returns the path a named snapshot of session would live at.
func (s *Store) SnapshotDir(session, name string) string {
	return filepath.Join(s.baseDir, session+"_snapshot_"+name)
}

// CreateDelta creates an empty delta directory for a newly spawned session.
func (s *Store) CreateDelta(session string) error {
	return os.MkdirAll(s.DeltaDir(session), 0755)
}

// RemoveDelta deletes a session's delta directory and every snapshot
// sibling it owns. Called on kill.
func (s *Store) RemoveDelta(session string) error {
	if err := os.RemoveAll(s.DeltaDir(session)); err != nil {
		return fmt.Errorf("remove delta for %s: %w", session, err)
	}
	names, err := s.ListSnapshotNames(session)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := os.RemoveAll(s.SnapshotDir(session, name)); err != nil {
			return fmt.Errorf("remove snapshot %s/%s: %w", session, name, err)
		}
	}
	return nil
}

// Path returns the absolute delta-relative path for path within session.
func (s *Store) Path(session, path string) string {
	return filepath.Join(s.DeltaDir(session), filepath.FromSlash(path))
}

// Exists reports whether path has an entry (file, dir, or symlink) in
// session's delta.
func (s *Store) Exists(session, path string) bool {
	_, err := os.Lstat(s.Path(session, path))
	return err == nil
}

// WriteFile writes data to path within session's delta, creating parent
// directories as needed. Used for whole-file CoW materialization and for
// small writes; callers doing ranged writes should use OpenForWrite.
func (s *Store) WriteFile(session, path string, data []byte, perm os.FileMode) error {
	full := s.Path(session, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	return os.WriteFile(full, data, perm)
}

// Materialize copies base (the tracked blob content, read from the ODB
// by the caller) into the delta at path if and only if path does not
// already exist there. This is the copy-on-write step spec.md §4.2
// describes for "first write to a tracked file".
func (s *Store) Materialize(session, path string, base []byte, perm os.FileMode) error {
	if s.Exists(session, path) {
		return nil
	}
	return s.WriteFile(session, path, base, perm)
}

// OpenForWrite opens (creating if necessary) the delta file at path for
// in-place range writes. It never truncates; callers seek explicitly.
// This backs the WRITE rule's "seek+write_all ... MUST NOT read-modify-write".
func (s *Store) OpenForWrite(session, path string) (*os.File, error) {
	full := s.Path(session, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
}

// Mkdir creates an empty directory at path within session's delta.
func (s *Store) Mkdir(session, path string) error {
	return os.MkdirAll(s.Path(session, path), 0755)
}

// Remove deletes the delta entry at path (file, empty dir, or symlink).
func (s *Store) Remove(session, path string) error {
	return os.RemoveAll(s.Path(session, path))
}

// Rename moves a delta entry from oldPath to newPath, creating the
// destination's parent directory as needed.
func (s *Store) Rename(session, oldPath, newPath string) error {
	dst := s.Path(session, newPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(s.Path(session, oldPath), dst)
}

// Symlink creates a symlink at path pointing at target within session's delta.
func (s *Store) Symlink(session, path, target string) error {
	full := s.Path(session, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return err
	}
	_ = os.Remove(full)
	return os.Symlink(target, full)
}

// ListSnapshotNames returns the snapshot names that belong to session,
// derived from sibling directories named "<session>_snapshot_<name>".
func (s *Store) ListSnapshotNames(session string) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := session + "_snapshot_"
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if n, ok := cutPrefix(e.Name(), prefix); ok {
			names = append(names, n)
		}
	}
	return names, nil
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || s[:len(prefix)] != prefix {
		return "", false
	}
	return s[len(prefix):], true
}

// Snapshot clones session's current delta into a new named snapshot
// directory via reflink (FICLONE on Linux) where the underlying
// filesystem supports it, falling back to a full recursive copy. Per
// spec.md §4.5, the snapshot is fully independent of the delta once
// created: subsequent writes to either side never affect the other.
func (s *Store) Snapshot(session, name string) error {
	src := s.DeltaDir(session)
	dst := s.SnapshotDir(session, name)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return cloneTree(src, dst)
}

// RestoreFromSnapshot replaces session's delta with an independent clone
// of the named snapshot. Callers are responsible for the auto-backup
// step spec.md §4.5 requires before calling this.
func (s *Store) RestoreFromSnapshot(session, name string) error {
	src := s.SnapshotDir(session, name)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("snapshot %s/%s: %w", session, name, err)
	}
	dst := s.DeltaDir(session)
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return cloneTree(src, dst)
}

// Walk lists every regular file and symlink currently present in
// session's delta, repo-relative, forward-slash separated. Used by
// restore's re-scan step.
func (s *Store) Walk(session string) ([]string, error) {
	root := s.DeltaDir(session)
	var out []string
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return out, nil
}

// cloneTree recursively copies src to dst, attempting a Linux FICLONE
// reflink per-file and silently falling back to a byte copy when the
// underlying filesystem does not support it (e.g. not btrfs/xfs/overlayfs
// with reflink support).
func cloneTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dst, 0755)
		}
		return err
	}
	if !info.IsDir() {
		return reflinkOrCopyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		s2 := filepath.Join(src, e.Name())
		d2 := filepath.Join(dst, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(s2)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, d2); err != nil {
				return err
			}
			continue
		}
		if e.IsDir() {
			if err := cloneTree(s2, d2); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := reflinkOrCopyFile(s2, d2, info.Mode()); err != nil {
			return err
		}
	}
	return nil
}

func reflinkOrCopyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err == nil {
		return nil
	}
	// FICLONE unsupported (different filesystem, not btrfs/xfs/overlayfs,
	// or running on a non-Linux kernel build): fall back to a full copy.
	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := out.Truncate(0); err != nil {
		return err
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}
