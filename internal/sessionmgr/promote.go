package sessionmgr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"

	"github.com/vibefs/vibefs/internal/odb"
	"github.com/vibefs/vibefs/internal/store"
	"github.com/vibefs/vibefs/internal/vibeerrors"
)

const binarySniffLimit = 8000

// FileDiff is one path's diff within a session, per spec.md §4.5.
type FileDiff struct {
	Path      string
	New       bool
	Deleted   bool
	Binary    bool
	Added     int
	Removed   int
	Hunks     []string // pre-rendered unified-diff hunk text, empty for --stat
}

// Diff implements spec.md §4.5's Diff: for each dirty path, compares the
// blob at spawn_commit against the session's current bytes.
func (m *Manager) Diff(ctx context.Context, id string, stat bool) ([]FileDiff, error) {
	rec, err := m.meta.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, vibeerrors.Wrap(vibeerrors.KindSessionNotFound, fmt.Sprintf("session %q not found", id), vibeerrors.ErrSessionNotFound)
	}
	spawnCommit := plumbing.NewHash(rec.SpawnCommit)

	paths, err := m.meta.ListDirty(ctx, id)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var out []FileDiff
	for _, p := range paths {
		base, baseErr := m.g.BlobAt(spawnCommit, p)
		hasBase := baseErr == nil
		if baseErr != nil && baseErr != odb.ErrNotFound {
			return nil, fmt.Errorf("read base blob for %s: %w", p, baseErr)
		}

		head, headErr := os.ReadFile(m.deltas.Path(id, p))
		hasHead := headErr == nil
		if headErr != nil && !os.IsNotExist(headErr) {
			return nil, fmt.Errorf("read delta file for %s: %w", p, headErr)
		}

		fd := FileDiff{Path: p}
		switch {
		case !hasBase && hasHead:
			fd.New = true
		case hasBase && !hasHead:
			fd.Deleted = true
		}

		if looksBinary(base) || looksBinary(head) {
			fd.Binary = true
			out = append(out, fd)
			continue
		}

		added, removed, hunks := unifiedDiff(string(base), string(head), stat)
		fd.Added, fd.Removed, fd.Hunks = added, removed, hunks
		out = append(out, fd)
	}
	return out, nil
}

func looksBinary(data []byte) bool {
	n := len(data)
	if n > binarySniffLimit {
		n = binarySniffLimit
	}
	return bytes.IndexByte(data[:n], 0) != -1
}

// unifiedDiff produces a minimal line-based diff between base and head.
// It is not a generalized LCS diff; spec.md's pack contains no ecosystem
// diff library (see DESIGN.md), so this renders contiguous runs of
// removed-then-added lines starting at the first point of divergence and
// ending at the last, which is sufficient for session-review purposes.
func unifiedDiff(base, head string, statOnly bool) (added, removed int, hunks []string) {
	baseLines := splitLines(base)
	headLines := splitLines(head)

	start := 0
	for start < len(baseLines) && start < len(headLines) && baseLines[start] == headLines[start] {
		start++
	}
	endBase, endHead := len(baseLines), len(headLines)
	for endBase > start && endHead > start && baseLines[endBase-1] == headLines[endHead-1] {
		endBase--
		endHead--
	}

	removed = endBase - start
	added = endHead - start
	if statOnly {
		return added, removed, nil
	}

	var buf []string
	buf = append(buf, fmt.Sprintf("@@ -%d,%d +%d,%d @@", start+1, removed, start+1, added))
	for _, l := range baseLines[start:endBase] {
		buf = append(buf, "-"+l)
	}
	for _, l := range headLines[start:endHead] {
		buf = append(buf, "+"+l)
	}
	return added, removed, buf
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// PromoteResult reports the outcome of promoting a single session.
type PromoteResult struct {
	Session string
	Commit  plumbing.Hash
	Skipped bool // zero promotable files
	Err     error
}

// PromoteOptions configures Promote.
type PromoteOptions struct {
	Only    []string // glob patterns; empty means "everything promotable"
	Message string
}

// Promote implements spec.md §4.5's Promote for a single session. It
// never mutates repository ref-space before every prior step succeeds:
// tree, then commit, then ref update, in that order.
func (m *Manager) Promote(ctx context.Context, id string, opts PromoteOptions) (PromoteResult, error) {
	rec, err := m.meta.GetSession(ctx, id)
	if err != nil {
		return PromoteResult{}, err
	}
	if rec == nil {
		return PromoteResult{}, vibeerrors.Wrap(vibeerrors.KindSessionNotFound, fmt.Sprintf("session %q not found", id), vibeerrors.ErrSessionNotFound)
	}
	spawnCommit := plumbing.NewHash(rec.SpawnCommit)

	edits, tombstoned, err := m.promotableEdits(ctx, id, spawnCommit, opts.Only)
	if err != nil {
		return PromoteResult{}, err
	}
	if len(edits) == 0 && len(tombstoned) == 0 {
		return PromoteResult{Session: id, Skipped: true}, nil
	}

	base, err := m.g.TreeAt(spawnCommit)
	if err != nil {
		return PromoteResult{}, fmt.Errorf("load base tree: %w", err)
	}

	treeHash, err := m.g.WriteTree(base, edits)
	if err != nil {
		return PromoteResult{}, fmt.Errorf("write promoted tree: %w", err)
	}

	parent := spawnCommit
	if existing, err := m.g.ResolveRef(refName(id)); err == nil && existing != plumbing.ZeroHash {
		parent = existing
	}

	msg := opts.Message
	if msg == "" {
		msg = fmt.Sprintf("VibeFS: Promote session '%s'", id)
	}
	sig := odb.Signature{Name: authorName(), Email: authorEmail(), When: time.Now()}
	commitHash, err := m.g.WriteCommit(parent, treeHash, msg, sig)
	if err != nil {
		return PromoteResult{}, fmt.Errorf("write commit: %w", err)
	}

	if err := m.g.UpdateRef(refName(id), commitHash); err != nil {
		return PromoteResult{}, fmt.Errorf("update ref %s: %w", refName(id), err)
	}

	rec.Promoted = true
	if err := m.meta.PutSession(ctx, *rec); err != nil {
		return PromoteResult{}, err
	}

	// Dirty marks deliberately survive: spec.md §4.5 step 7, the session
	// remains mutable and a later promote creates a new commit on top.
	return PromoteResult{Session: id, Commit: commitHash}, nil
}

// PromoteAll implements the --all batch mode: every session with at
// least one promotable file is promoted; a session with none is
// reported skipped, not failed.
func (m *Manager) PromoteAll(ctx context.Context, opts PromoteOptions) ([]PromoteResult, error) {
	sessions, err := m.meta.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	var results []PromoteResult
	for _, rec := range sessions {
		if rec.State == store.StateKilled {
			continue
		}
		res, err := m.Promote(ctx, rec.ID, opts)
		if err != nil {
			results = append(results, PromoteResult{Session: rec.ID, Err: err})
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

func (m *Manager) promotableEdits(ctx context.Context, id string, spawnCommit plumbing.Hash, only []string) ([]odb.TreeEdit, []string, error) {
	dirty, err := m.meta.ListDirty(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tombstones, err := m.meta.ListTombstones(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	ignore, err := m.g.LoadIgnoreMatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("load ignore rules: %w", err)
	}

	var edits []odb.TreeEdit
	var tombstoned []string

	consider := func(p string) (bool, error) {
		if ignore.Match(p, false) {
			return false, nil
		}
		if len(only) > 0 && !matchesAny(only, p) {
			return false, nil
		}
		return true, nil
	}

	for _, p := range dirty {
		ok, err := consider(p)
		if err != nil || !ok {
			continue
		}
		rec, err := m.meta.GetByPath(ctx, id, p)
		if err != nil {
			return nil, nil, err
		}
		if rec != nil && rec.Volatile {
			continue
		}
		data, err := os.ReadFile(m.deltas.Path(id, p))
		if err != nil {
			return nil, nil, fmt.Errorf("read dirty file %s: %w", p, err)
		}
		hash, err := m.g.WriteBlob(data)
		if err != nil {
			return nil, nil, fmt.Errorf("store blob for %s: %w", p, err)
		}
		edits = append(edits, odb.TreeEdit{Path: p, Hash: hash, Mode: filemode.Regular})
	}

	for _, p := range tombstones {
		ok, err := consider(p)
		if err != nil || !ok {
			continue
		}
		edits = append(edits, odb.TreeEdit{Path: p, Delete: true})
		tombstoned = append(tombstoned, p)
	}

	return edits, tombstoned, nil
}

func matchesAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
		// "**" prefix matches any depth, standard shell doesn't support this
		// natively via filepath.Match, so fall back to a prefix check on the
		// glob's non-wildcard head.
		if strings.Contains(g, "**") {
			head := strings.SplitN(g, "**", 2)[0]
			if strings.HasPrefix(path, head) {
				return true
			}
		}
	}
	return false
}

func refName(session string) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/vibes/" + session)
}

func authorName() string {
	if n := os.Getenv("VIBE_AUTHOR_NAME"); n != "" {
		return n
	}
	return "vibefs"
}

func authorEmail() string {
	if e := os.Getenv("VIBE_AUTHOR_EMAIL"); e != "" {
		return e
	}
	return "vibefs@localhost"
}

// Snapshot implements spec.md §4.5's Snapshot: a reflink-or-copy of the
// delta directory, never entering the resolver's layers.
func (m *Manager) Snapshot(ctx context.Context, id, name string) error {
	if _, err := m.requireSession(ctx, id); err != nil {
		return err
	}
	if err := m.deltas.Snapshot(id, name); err != nil {
		return fmt.Errorf("snapshot %s/%s: %w", id, name, err)
	}
	return m.meta.PutSnapshot(ctx, store.SnapshotRecord{Session: id, Name: name, CreatedAt: time.Now()})
}

// Restore implements spec.md §4.5's Restore.
func (m *Manager) Restore(ctx context.Context, id, name string, noBackup bool) error {
	if _, err := m.requireSession(ctx, id); err != nil {
		return err
	}

	if !noBackup {
		backupName := fmt.Sprintf("pre-restore-%d", time.Now().UnixNano())
		if err := m.Snapshot(ctx, id, backupName); err != nil {
			return fmt.Errorf("auto-backup before restore: %w", err)
		}
	}

	if err := m.deltas.RestoreFromSnapshot(id, name); err != nil {
		return fmt.Errorf("restore snapshot %s: %w", name, err)
	}

	if err := m.meta.ClearDirty(ctx, id); err != nil {
		return fmt.Errorf("clear dirty marks: %w", err)
	}
	if err := m.meta.ClearAllTombstones(ctx, id); err != nil {
		return fmt.Errorf("clear tombstones: %w", err)
	}

	restored, err := m.deltas.Walk(id)
	if err != nil {
		return fmt.Errorf("walk restored delta: %w", err)
	}
	for _, p := range restored {
		if err := m.meta.MarkDirty(ctx, id, p); err != nil {
			return fmt.Errorf("re-mark %s dirty: %w", p, err)
		}
	}
	return nil
}

func (m *Manager) requireSession(ctx context.Context, id string) (*store.SessionRecord, error) {
	rec, err := m.meta.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, vibeerrors.Wrap(vibeerrors.KindSessionNotFound, fmt.Sprintf("session %q not found", id), vibeerrors.ErrSessionNotFound)
	}
	return rec, nil
}
