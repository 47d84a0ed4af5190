// Package store implements VibeFS's MetadataStore: an embedded,
// single-writer-many-reader database holding inode records, the
// path<->inode index, dirty markers, tombstones, snapshot listings, and
// session records.
//
// It is backed by modernc.org/sqlite (pure Go, no cgo) opened in WAL mode,
// the same database/sql construction the teacher uses for its own local
// cache in internal/db.Open. Every multi-statement mutation (PutInode's
// check-and-write, Rename's path and dirty-mark update, MarkTombstone,
// DeleteSession) runs inside one *sql.Tx; single-statement mutations such
// as MarkDirty rely on SQLite's per-statement atomicity.
package store

import (
	"context"
	_ "embed"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vibefs/vibefs/internal/vibeerrors"
)

//go:embed schema.sql
var schemaSQL string

// Kind is the filesystem entry type of an inode.
type Kind string

const (
	KindFile    Kind = "file"
	KindDir     Kind = "dir"
	KindSymlink Kind = "symlink"
)

// OriginKind classifies where an inode's bytes come from.
type OriginKind string

const (
	OriginTracked     OriginKind = "tracked"
	OriginNew         OriginKind = "new"
	OriginSymlink     OriginKind = "symlink"
	OriginPassthrough OriginKind = "passthrough"
)

// Origin is the sum type spec.md §9 calls for in place of a polymorphic
// hierarchy: exactly one of BlobID/Target is meaningful, gated by Kind.
type Origin struct {
	Kind   OriginKind
	BlobID string // meaningful iff Kind == OriginTracked
	Target string // meaningful iff Kind == OriginSymlink
}

// InodeRecord is the unit of filesystem identity within a session.
type InodeRecord struct {
	ID       int64
	Session  string
	Path     string
	Kind     Kind
	Size     int64
	Origin   Origin
	Volatile bool
	MTime    time.Time
}

// SessionState is a session's lifecycle state (spec.md §3).
type SessionState string

const (
	StateExported SessionState = "exported"
	StateMounted  SessionState = "mounted"
	StateOffline  SessionState = "offline"
	StatePromoted SessionState = "promoted"
	StateKilled   SessionState = "killed"
)

// SessionRecord is the persisted session record (spec.md §3, §6).
type SessionRecord struct {
	ID          string
	SpawnCommit string
	SpawnBranch string
	MountPoint  string
	NfsPort     int
	CreatedAt   time.Time
	State       SessionState
	Promoted    bool
}

// SnapshotRecord describes a named point-in-time copy of a session delta.
type SnapshotRecord struct {
	Session   string
	Name      string
	CreatedAt time.Time
}

// Store is the MetadataStore. The daemon holds the sole read-write Store.
// Read-only handles are available via OpenReadOnly; the vibe CLI's ls and
// diff commands do not open one, they query the daemon over the
// ControlPlane instead.
type Store struct {
	db       *sql.DB
	readOnly bool
	mu       sync.Mutex // serializes writer transactions within this process
}

// Open opens or creates the MetadataStore database at dbPath for
// read-write access. Only the daemon should hold a read-write handle.
func Open(dbPath string) (*Store, error) {
	return open(dbPath, false)
}

// OpenReadOnly opens the MetadataStore for read-only access; every write
// through the returned handle fails. No vibe CLI command currently calls
// it: session listings and dirty state reach the CLI through the daemon.
func OpenReadOnly(dbPath string) (*Store, error) {
	return open(dbPath, true)
}

func open(dbPath string, readOnly bool) (*Store, error) {
	if !readOnly {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create metadata directory: %w", err)
		}
	} else if _, err := os.Stat(dbPath); err != nil {
		return nil, vibeerrors.Wrap(vibeerrors.KindNotInitialized, "metadata store not found", err)
	}

	escaped := strings.ReplaceAll(dbPath, " ", "%20")
	dsn := "file:" + escaped
	if readOnly {
		dsn += "?mode=ro&_pragma=query_only(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if !readOnly {
		db.SetMaxOpenConns(1) // single writer; avoids SQLITE_BUSY under our own concurrency
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if !readOnly {
		if _, err := db.Exec(schemaSQL); err != nil {
			db.Close()
			return nil, vibeerrors.Wrap(vibeerrors.KindMetadataCorrupt, "initialize metadata schema", err)
		}
	}

	return &Store{db: db, readOnly: readOnly}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) requireWritable() error {
	if s.readOnly {
		return errors.New("store: write attempted on read-only handle")
	}
	return nil
}

// AllocateInode atomically increments the inode counter and returns the
// prior value, the id to assign to the new record. Idempotent only under
// the single daemon writer, per spec.md §4.1.
func (s *Store) AllocateInode(ctx context.Context) (int64, error) {
	if err := s.requireWritable(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'inode'`).Scan(&id); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value = value + 1 WHERE name = 'inode'`); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// PutInode writes the inode and path index in a single atomic batch. It
// fails if path currently maps to a different id within the session
// unless overwrite is true.
func (s *Store) PutInode(ctx context.Context, rec InodeRecord, overwrite bool) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !overwrite {
		var existingID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM inodes WHERE session = ? AND path = ?`, rec.Session, rec.Path,
		).Scan(&existingID)
		if err == nil && existingID != rec.ID {
			return fmt.Errorf("path %q already maps to inode %d", rec.Path, existingID)
		} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
	}

	if err := putInodeTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func putInodeTx(ctx context.Context, tx *sql.Tx, rec InodeRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inodes (id, session, path, kind, size, origin_kind, origin_blob, origin_target, volatile, mtime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, path) DO UPDATE SET
			id=excluded.id, kind=excluded.kind, size=excluded.size,
			origin_kind=excluded.origin_kind, origin_blob=excluded.origin_blob,
			origin_target=excluded.origin_target, volatile=excluded.volatile, mtime=excluded.mtime
	`, rec.ID, rec.Session, rec.Path, string(rec.Kind), rec.Size,
		string(rec.Origin.Kind), nullable(rec.Origin.BlobID), nullable(rec.Origin.Target),
		boolToInt(rec.Volatile), rec.MTime.UnixNano())
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetByPath looks up an inode record by (session, path).
func (s *Store) GetByPath(ctx context.Context, session, path string) (*InodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session, path, kind, size, origin_kind, origin_blob, origin_target, volatile, mtime
		FROM inodes WHERE session = ? AND path = ?`, session, path)
	return scanInode(row)
}

// GetByInode looks up an inode record by (session, id).
func (s *Store) GetByInode(ctx context.Context, session string, id int64) (*InodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session, path, kind, size, origin_kind, origin_blob, origin_target, volatile, mtime
		FROM inodes WHERE session = ? AND id = ?`, session, id)
	return scanInode(row)
}

func scanInode(row *sql.Row) (*InodeRecord, error) {
	var rec InodeRecord
	var kind, originKind string
	var originBlob, originTarget sql.NullString
	var volatileInt int
	var mtimeNano int64
	err := row.Scan(&rec.ID, &rec.Session, &rec.Path, &kind, &rec.Size,
		&originKind, &originBlob, &originTarget, &volatileInt, &mtimeNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Kind = Kind(kind)
	rec.Origin = Origin{Kind: OriginKind(originKind), BlobID: originBlob.String, Target: originTarget.String}
	rec.Volatile = volatileInt != 0
	rec.MTime = time.Unix(0, mtimeNano)
	return &rec, nil
}

// Rename atomically re-indexes old to new within a session: deletes the
// old path index, writes the new one, updates the inode's path, and
// migrates any dirty mark from old to new.
func (s *Store) Rename(ctx context.Context, session, oldPath, newPath string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE inodes SET path = ? WHERE session = ? AND path = ?`, newPath, session, oldPath)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rename: no inode at path %q", oldPath)
	}

	var dirty bool
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM dirty WHERE session = ? AND path = ?`, session, oldPath).Scan(new(int))
	if err == nil {
		dirty = true
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if dirty {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dirty WHERE session = ? AND path = ?`, session, oldPath); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO dirty (session, path) VALUES (?, ?)`, session, newPath); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkDirty records that path's current bytes, in session, are owned by
// the session delta.
func (s *Store) MarkDirty(ctx context.Context, session, path string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO dirty (session, path) VALUES (?, ?)`, session, path)
	return err
}

// UnmarkDirty clears the dirty mark for (session, path), e.g. when a
// session-created file is removed.
func (s *Store) UnmarkDirty(ctx context.Context, session, path string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dirty WHERE session = ? AND path = ?`, session, path)
	return err
}

// ClearDirty removes every dirty mark for a session, used by Restore
// before re-marking the restored delta's contents (spec.md §4.5).
func (s *Store) ClearDirty(ctx context.Context, session string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dirty WHERE session = ?`, session)
	return err
}

// ListDirty returns every dirty path for a session.
func (s *Store) ListDirty(ctx context.Context, session string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM dirty WHERE session = ? ORDER BY path`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// IsDirty reports whether path is currently dirty in session.
func (s *Store) IsDirty(ctx context.Context, session, path string) (bool, error) {
	var x int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM dirty WHERE session = ? AND path = ?`, session, path).Scan(&x)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AllDirty returns every (session, path) dirty pair across all sessions,
// used by ls --conflicts (spec.md §8 property 10).
func (s *Store) AllDirty(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, session FROM dirty ORDER BY path, session`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]string)
	for rows.Next() {
		var path, session string
		if err := rows.Scan(&path, &session); err != nil {
			return nil, err
		}
		out[path] = append(out[path], session)
	}
	return out, rows.Err()
}

// MarkTombstone records that path, previously tracked, was removed in
// session and must not appear in the next promoted tree.
func (s *Store) MarkTombstone(ctx context.Context, session, path string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tombstones (session, path) VALUES (?, ?)`, session, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM inodes WHERE session = ? AND path = ?`, session, path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dirty WHERE session = ? AND path = ?`, session, path); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearTombstone removes a tombstone, e.g. when a path is recreated.
func (s *Store) ClearTombstone(ctx context.Context, session, path string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE session = ? AND path = ?`, session, path)
	return err
}

// ListTombstones returns every tombstoned path for a session.
func (s *Store) ListTombstones(ctx context.Context, session string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM tombstones WHERE session = ? ORDER BY path`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// ClearAllTombstones clears every tombstone for a session (used by restore).
func (s *Store) ClearAllTombstones(ctx context.Context, session string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM tombstones WHERE session = ?`, session)
	return err
}

// PutSnapshot records a snapshot's metadata.
func (s *Store) PutSnapshot(ctx context.Context, rec SnapshotRecord) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (session, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(session, name) DO UPDATE SET created_at=excluded.created_at`,
		rec.Session, rec.Name, rec.CreatedAt.UnixNano())
	return err
}

// ListSnapshots returns every snapshot recorded for a session.
func (s *Store) ListSnapshots(ctx context.Context, session string) ([]SnapshotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session, name, created_at FROM snapshots WHERE session = ? ORDER BY created_at`, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SnapshotRecord
	for rows.Next() {
		var rec SnapshotRecord
		var createdAt int64
		if err := rows.Scan(&rec.Session, &rec.Name, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(0, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PutSession upserts a session record.
func (s *Store) PutSession(ctx context.Context, rec SessionRecord) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, spawn_commit, spawn_branch, mount_point, nfs_port, created_at, state, promoted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			spawn_commit=excluded.spawn_commit,
			spawn_branch=excluded.spawn_branch, mount_point=excluded.mount_point,
			nfs_port=excluded.nfs_port, state=excluded.state, promoted=excluded.promoted`,
		rec.ID, rec.SpawnCommit, rec.SpawnBranch, rec.MountPoint, rec.NfsPort,
		rec.CreatedAt.UnixNano(), string(rec.State), boolToInt(rec.Promoted))
	return err
}

// GetSession fetches a session record by id.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, spawn_commit, spawn_branch, mount_point, nfs_port, created_at, state, promoted
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*SessionRecord, error) {
	var rec SessionRecord
	var spawnBranch, mountPoint sql.NullString
	var nfsPort sql.NullInt64
	var createdAt int64
	var state string
	var promotedInt int
	err := row.Scan(&rec.ID, &rec.SpawnCommit, &spawnBranch, &mountPoint, &nfsPort, &createdAt, &state, &promotedInt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.SpawnBranch = spawnBranch.String
	rec.MountPoint = mountPoint.String
	rec.NfsPort = int(nfsPort.Int64)
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.State = SessionState(state)
	rec.Promoted = promotedInt != 0
	return &rec, nil
}

// ListSessions returns every session record, ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, spawn_commit, spawn_branch, mount_point, nfs_port, created_at, state, promoted
		FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var spawnBranch, mountPoint sql.NullString
		var nfsPort sql.NullInt64
		var createdAt int64
		var state string
		var promotedInt int
		if err := rows.Scan(&rec.ID, &rec.SpawnCommit, &spawnBranch, &mountPoint, &nfsPort, &createdAt, &state, &promotedInt); err != nil {
			return nil, err
		}
		rec.SpawnBranch = spawnBranch.String
		rec.MountPoint = mountPoint.String
		rec.NfsPort = int(nfsPort.Int64)
		rec.CreatedAt = time.Unix(0, createdAt)
		rec.State = SessionState(state)
		rec.Promoted = promotedInt != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteSession removes a session record and all of its inodes, dirty
// marks, tombstones, and snapshot listings. Called on kill.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.requireWritable(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM inodes WHERE session = ?`,
		`DELETE FROM dirty WHERE session = ?`,
		`DELETE FROM tombstones WHERE session = ?`,
		`DELETE FROM snapshots WHERE session = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
