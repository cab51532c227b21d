// Package xdg resolves the XDG base directories this tool needs: a cache
// home for compiled artifacts and a runtime dir for per-run scratch files.
package xdg

import (
	"os"
	"path/filepath"
)

func home() string {
	h, err := os.UserHomeDir()
	if err == nil {
		return h
	}
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/tmp"
}

// CacheHome returns XDG_CACHE_HOME, defaulting to ~/.cache.
func CacheHome() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(home(), ".cache")
}

// RuntimeDir returns XDG_RUNTIME_DIR, falling back to a per-user directory
// under /tmp when unset.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return filepath.Join("/tmp", "boxexec-runtime-"+os.Getenv("USER"))
}

// AppCacheDir returns the application's cache directory, creating it with
// user-only permissions if needed.
func AppCacheDir(app string) (string, error) {
	dir := filepath.Join(CacheHome(), app)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}
