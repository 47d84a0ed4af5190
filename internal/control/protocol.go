// Package control implements the ControlPlane (spec.md §4.6): a
// Unix-domain-socket JSON request/response protocol bound to
// <repo>/.vibe/vibed.sock, modeled on the self-describing Request/
// Response envelope and per-operation dispatch untoldecay-BeadsLog's
// internal/rpc package uses for its own local daemon protocol.
package control

import "encoding/json"

// Operation names the ControlPlane understands (spec.md §4.6 table).
type Operation string

const (
	OpPing            Operation = "ping"
	OpStatus          Operation = "status"
	OpSpawnSession    Operation = "spawn_session"
	OpExportSession   Operation = "export_session"
	OpUnexportSession Operation = "unexport_session"
	OpKillSession     Operation = "kill_session"
	OpListSessions    Operation = "list_sessions"
	OpListConflicts   Operation = "list_conflicts"
	OpDiffSession     Operation = "diff_session"
	OpPromoteSession  Operation = "promote_session"
	OpSnapshotSession Operation = "snapshot_session"
	OpRestoreSession  Operation = "restore_session"
	OpRebaseSession   Operation = "rebase_session"
	OpShutdown        Operation = "shutdown"
)

// Request is a single ControlPlane call.
type Request struct {
	Operation Operation       `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is the ControlPlane's reply to a Request.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PongData is OpPing's response payload.
type PongData struct {
	Version string `json:"version"`
}

// StatusData is OpStatus's response payload.
type StatusData struct {
	RepoPath     string `json:"repo_path"`
	UptimeSecs   int64  `json:"uptime_secs"`
	SessionCount int    `json:"session_count"`
	Version      string `json:"version"`
}

// SpawnSessionArgs is OpSpawnSession's request payload.
type SpawnSessionArgs struct {
	ID       string `json:"id,omitempty"`
	ForceNew bool   `json:"force_new,omitempty"`
	Debug    bool   `json:"debug,omitempty"`
}

// ExportSessionArgs is OpExportSession's request payload.
type ExportSessionArgs struct {
	ID string `json:"id"`
}

// ExportSessionData is OpSpawnSession/OpExportSession's response payload.
type ExportSessionData struct {
	ID         string `json:"id"`
	Port       int    `json:"port"`
	MountPoint string `json:"mount_point"`
}

// UnexportSessionArgs is OpUnexportSession's request payload.
type UnexportSessionArgs struct {
	ID string `json:"id"`
}

// KillSessionArgs is OpKillSession's request payload.
type KillSessionArgs struct {
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

// KillSessionData is OpKillSession's response payload.
type KillSessionData struct {
	DiscardedDirtyCount int `json:"discarded_dirty_count"`
}

// SessionInfo is one entry of OpListSessions's response payload.
type SessionInfo struct {
	ID         string `json:"id"`
	Port       int    `json:"port"`
	MountPoint string `json:"mount_point"`
	UptimeSecs int64  `json:"uptime_secs"`
	DirtyCount int    `json:"dirty_count"`
	State      string `json:"state"`
}

// ConflictInfo is one entry of OpListConflicts's response payload.
type ConflictInfo struct {
	Path     string   `json:"path"`
	Sessions []string `json:"sessions"`
}

// DiffSessionArgs is OpDiffSession's request payload.
type DiffSessionArgs struct {
	ID   string `json:"id"`
	Stat bool   `json:"stat"`
}

// FileDiffInfo mirrors sessionmgr.FileDiff for wire transport.
type FileDiffInfo struct {
	Path    string   `json:"path"`
	New     bool     `json:"new"`
	Deleted bool     `json:"deleted"`
	Binary  bool     `json:"binary"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Hunks   []string `json:"hunks,omitempty"`
}

// PromoteSessionArgs is OpPromoteSession's request payload.
type PromoteSessionArgs struct {
	ID      string   `json:"id"`
	All     bool     `json:"all,omitempty"`
	Only    []string `json:"only,omitempty"`
	Message string   `json:"message,omitempty"`
}

// PromoteResultInfo mirrors sessionmgr.PromoteResult for wire transport.
type PromoteResultInfo struct {
	Session string `json:"session"`
	Commit  string `json:"commit,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PromoteSessionData is OpPromoteSession's response payload.
type PromoteSessionData struct {
	Results []PromoteResultInfo `json:"results"`
}

// SnapshotSessionArgs is OpSnapshotSession's request payload.
type SnapshotSessionArgs struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RestoreSessionArgs is OpRestoreSession's request payload.
type RestoreSessionArgs struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	NoBackup bool   `json:"no_backup"`
}

// RebaseSessionArgs is OpRebaseSession's request payload.
type RebaseSessionArgs struct {
	ID string `json:"id"`
}

// RebaseSessionData is OpRebaseSession's response payload.
type RebaseSessionData struct {
	NewSpawnCommit string `json:"new_spawn_commit"`
}
