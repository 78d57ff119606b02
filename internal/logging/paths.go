package logging

import (
	"path/filepath"
)

// LogDir returns the log directory for a vault rooted at vaultDir.
func LogDir(vaultDir string) string {
	return filepath.Join(vaultDir, ".substrate", "logs")
}

// LogPath returns the daemon log path for a vault rooted at vaultDir.
func LogPath(vaultDir string) string {
	return filepath.Join(LogDir(vaultDir), "substrated.log")
}
