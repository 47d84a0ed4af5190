package control

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// maxUnixSocketPath is a conservative Unix domain socket path length limit
// (macOS enforces 104 bytes including the null terminator, Linux 108); 103
// leaves headroom across platforms.
const maxUnixSocketPath = 103

// ShortSocketPath returns <repoRoot>/.vibe/vibed.sock when that path fits
// within the AF_UNIX length limit, otherwise a short path under /tmp
// keyed by a hash of repoRoot so the same repository always resolves to
// the same socket.
func ShortSocketPath(repoRoot string) string {
	natural := filepath.Join(repoRoot, ".vibe", "vibed.sock")
	if len(natural) <= maxUnixSocketPath {
		return natural
	}
	sum := sha256.Sum256([]byte(repoRoot))
	return filepath.Join("/tmp", "vibefs-"+hex.EncodeToString(sum[:4]), "vibed.sock")
}
