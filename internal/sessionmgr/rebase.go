package sessionmgr

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/vibefs/vibefs/internal/vibeerrors"
)

// ErrRebaseConflict is returned when a dirty path in the session also
// changed upstream between the old and new spawn_commit; spec.md §6
// defers rebase conflict resolution to future work, so this package
// refuses rather than guessing.
var ErrRebaseConflict = fmt.Errorf("rebase: dirty path changed upstream")

// Rebase advances a session's spawn_commit to the repository's current
// HEAD, the supplemented optional capability spec.md §6 lists. It
// refuses if any dirty file in the session also changed between the old
// and new commit, since silently merging the two would require conflict
// semantics this system does not implement.
func (m *Manager) Rebase(ctx context.Context, id string) (plumbing.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.requireSession(ctx, id)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	oldCommit := plumbing.NewHash(rec.SpawnCommit)

	newCommit, err := m.g.ResolveHEAD()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
	}
	if newCommit == oldCommit {
		return oldCommit, nil // nothing to do
	}

	changed, err := m.g.CompareCommits(oldCommit, newCommit)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("compare commits: %w", err)
	}
	if !changed {
		rec.SpawnCommit = newCommit.String()
		return newCommit, m.meta.PutSession(ctx, *rec)
	}

	changedPaths, err := m.g.ChangedPaths(oldCommit, newCommit)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("diff spawn commits: %w", err)
	}
	changedSet := make(map[string]bool, len(changedPaths))
	for _, p := range changedPaths {
		changedSet[p] = true
	}

	dirty, err := m.meta.ListDirty(ctx, id)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	for _, p := range dirty {
		if changedSet[p] {
			return plumbing.ZeroHash, vibeerrors.Wrap(vibeerrors.KindGeneric,
				fmt.Sprintf("rebase refused: %q is dirty in session %q and changed upstream", p, id), ErrRebaseConflict)
		}
	}

	rec.SpawnCommit = newCommit.String()
	if err := m.meta.PutSession(ctx, *rec); err != nil {
		return plumbing.ZeroHash, err
	}
	return newCommit, nil
}
