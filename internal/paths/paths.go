// Package paths resolves the on-disk layout under the user's data directory.
package paths

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.nexus.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".nexus")
}

// DBPath returns the app-owned nexus.db path.
func DBPath() string {
	return filepath.Join(BaseDir(), "nexus.db")
}

// SocketPath returns the UDS socket path for the daemon control API.
func SocketPath() string {
	return filepath.Join(BaseDir(), "nexusd.sock")
}

// LockPath returns the daemon lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "nexusd.log")
}

// ConfigPath returns the config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDirs creates the directory tree with proper permissions.
func EnsureDirs() error {
	for _, d := range []string{BaseDir(), LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
