package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a short-lived connection to a Server, one request per Call.
// The CLI commands use this to talk to a running daemon instead of
// touching the metadata store or Git ODB directly.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the ControlPlane socket at socketPath.
func Dial(socketPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends op with the given args and decodes the response payload into
// out (which may be nil if the caller doesn't need the data).
func (c *Client) Call(op Operation, args, out any) error {
	var raw []byte
	var err error
	if args != nil {
		raw, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode args: %w", err)
		}
	}
	req := Request{Operation: op, Args: raw}
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	respLine, err := c.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%s: %s", op, resp.Error)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}

// Ping is a convenience wrapper that probes daemon liveness and reports
// the daemon's version.
func (c *Client) Ping() (PongData, error) {
	var data PongData
	err := c.Call(OpPing, nil, &data)
	return data, err
}

// Status fetches daemon status.
func (c *Client) Status() (StatusData, error) {
	var data StatusData
	err := c.Call(OpStatus, nil, &data)
	return data, err
}

// Spawn creates or attaches a session.
func (c *Client) Spawn(args SpawnSessionArgs) (ExportSessionData, error) {
	var data ExportSessionData
	err := c.Call(OpSpawnSession, args, &data)
	return data, err
}

// Kill tears down a session.
func (c *Client) Kill(id string, force bool) (KillSessionData, error) {
	var data KillSessionData
	err := c.Call(OpKillSession, KillSessionArgs{ID: id, Force: force}, &data)
	return data, err
}

// ListSessions lists every persisted session.
func (c *Client) ListSessions() ([]SessionInfo, error) {
	var data []SessionInfo
	err := c.Call(OpListSessions, nil, &data)
	return data, err
}

// ListConflicts lists paths dirty in more than one session.
func (c *Client) ListConflicts() ([]ConflictInfo, error) {
	var data []ConflictInfo
	err := c.Call(OpListConflicts, nil, &data)
	return data, err
}

// Diff fetches a session's file diffs.
func (c *Client) Diff(id string, stat bool) ([]FileDiffInfo, error) {
	var data []FileDiffInfo
	err := c.Call(OpDiffSession, DiffSessionArgs{ID: id, Stat: stat}, &data)
	return data, err
}

// Promote promotes one or all sessions.
func (c *Client) Promote(args PromoteSessionArgs) (PromoteSessionData, error) {
	var data PromoteSessionData
	err := c.Call(OpPromoteSession, args, &data)
	return data, err
}

// Snapshot takes a named snapshot of a session's delta.
func (c *Client) Snapshot(id, name string) error {
	return c.Call(OpSnapshotSession, SnapshotSessionArgs{ID: id, Name: name}, nil)
}

// Restore restores a session's delta from a named snapshot.
func (c *Client) Restore(id, name string, noBackup bool) error {
	return c.Call(OpRestoreSession, RestoreSessionArgs{ID: id, Name: name, NoBackup: noBackup}, nil)
}

// Rebase advances a session's spawn commit to current HEAD.
func (c *Client) Rebase(id string) (RebaseSessionData, error) {
	var data RebaseSessionData
	err := c.Call(OpRebaseSession, RebaseSessionArgs{ID: id}, &data)
	return data, err
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown() error {
	return c.Call(OpShutdown, nil, nil)
}
