package config

import (
	"os"
	"path/filepath"
)

const appDir = "relayd"

// DefaultDataDir picks where an instance keeps its store when no data dir
// is configured: $XDG_DATA_HOME/relayd, then /var/lib/relayd when the
// process can create it, then ~/.relayd. Without a home directory it
// falls back to ./data.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	if writableDir("/var/lib") {
		return filepath.Join("/var/lib", appDir)
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./data"
	}
	return filepath.Join(home, "."+appDir)
}

// StoreDir is the Pebble directory holding the WAL, GC pins, cluster
// registry and data of the instance rooted at dataDir.
func StoreDir(dataDir string) string {
	return filepath.Join(dataDir, "store")
}

// writableDir reports whether dir exists and a directory can be created in
// it.
func writableDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return false
	}
	tmp, err := os.MkdirTemp(dir, ".relayd-")
	if err != nil {
		return false
	}
	_ = os.Remove(tmp)
	return true
}
