// Package sockpath provides the default Unix socket path for the calhubd daemon.
// All binaries (calhubd, calhubctl, calhub-mcp) use this to agree on the default.
package sockpath

import (
	"os"
	"path/filepath"
)

// DefaultSocketPath returns the default path for the calhubd Unix socket.
// It prefers $XDG_RUNTIME_DIR/calhub/calhubd.sock and falls back to
// ~/.config/calhub/calhubd.sock.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "calhub", "calhubd.sock")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "calhub", "calhubd.sock")
}
