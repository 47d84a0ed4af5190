package sessionmgr

import "context"

// Conflict reports a path dirty in more than one session simultaneously
// (spec.md §8 property 10, supplemented feature "ls --conflicts").
type Conflict struct {
	Path     string
	Sessions []string
}

// ListConflicts returns every path with more than one owning session.
func (m *Manager) ListConflicts(ctx context.Context) ([]Conflict, error) {
	byPath, err := m.meta.AllDirty(ctx)
	if err != nil {
		return nil, err
	}
	var out []Conflict
	for path, sessions := range byPath {
		if len(sessions) > 1 {
			out = append(out, Conflict{Path: path, Sessions: sessions})
		}
	}
	return out, nil
}
