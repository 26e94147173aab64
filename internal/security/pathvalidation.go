// Package security guards file access driven by request parameters.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks that filePath resolves inside dir.
// Symlinks are resolved for the path (or its nearest existing parent) and for
// dir, so a link pointing out of dir is rejected.
func ValidatePathWithinDirectory(filePath, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory path: %w", err)
	}

	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory symlinks: %w", err)
	}
	canonicalPath := canonicalize(absPath)

	rel, err := filepath.Rel(canonicalDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", filePath, dir)
	}
	return nil
}

// canonicalize resolves symlinks in p. When p does not exist yet, the nearest
// existing parent is resolved and the remainder re-appended.
func canonicalize(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	for check := p; ; {
		parent := filepath.Dir(check)
		if parent == check {
			return p
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, _ := filepath.Rel(parent, p)
			return filepath.Join(resolved, rest)
		}
		check = parent
	}
}
