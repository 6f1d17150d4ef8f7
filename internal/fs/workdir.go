// Package fs confines child working directories to a base path.
package fs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for directories that escape the base path.
var ErrOutsideRoot = errors.New("path must be inside the configured base path")

// Root is a resolved base path.
type Root struct {
	Path string
	Real string
}

// NewRoot resolves basePath, following symlinks. An empty basePath selects
// the user's home directory.
func NewRoot(basePath string) (Root, error) {
	if strings.TrimSpace(basePath) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Root{}, err
		}
		basePath = home
	}
	resolved, err := filepath.Abs(filepath.Clean(basePath))
	if err != nil {
		return Root{}, err
	}
	real, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return Root{}, err
	}
	return Root{Path: resolved, Real: real}, nil
}

// Resolve returns the real path of target, which must be a directory inside
// the root. Relative targets are taken relative to the root; an empty target
// is the root itself.
func (r Root) Resolve(target string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return r.Real, nil
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(r.Real, target)
	}
	real, err := filepath.EvalSymlinks(filepath.Clean(target))
	if err != nil {
		return "", err
	}
	if !r.Contains(real) {
		return "", fmt.Errorf("%s: %w", target, ErrOutsideRoot)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: not a directory", target)
	}
	return real, nil
}

// Contains reports whether the real path p lies within the root.
func (r Root) Contains(p string) bool {
	return p == r.Real || strings.HasPrefix(p, r.Real+string(filepath.Separator))
}
