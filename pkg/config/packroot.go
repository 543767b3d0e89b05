package config

import (
	"os"
	"path/filepath"
)

// DiscoverPackRoot walks from start upward looking for MANIFEST.sha256 and
// returns the first directory containing it, or "" when none is found.
func DiscoverPackRoot(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return ""
	}
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		dir = filepath.Dir(dir)
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, "MANIFEST.sha256")); err == nil && fi.Mode().IsRegular() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// StableRepoRelativePath returns path relative to the discovered pack root,
// with forward slashes, so the same pack hashes identically on any checkout
// location. Paths outside a pack are returned as given.
func StableRepoRelativePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	root := DiscoverPackRoot(abs)
	if root == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
