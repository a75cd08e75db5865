// Package pathutil confines file paths supplied by MCP clients to the
// project and the user's heatstep directory.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RedactPath reduces a full path to .../<parent>/<basename> for error messages.
func RedactPath(path string) string {
	if path == "" {
		return ""
	}
	cleaned := filepath.Clean(path)
	base := filepath.Base(cleaned)
	parent := filepath.Base(filepath.Dir(cleaned))
	if parent == "." || parent == string(filepath.Separator) {
		return base
	}
	return ".../" + parent + "/" + base
}

// Resolve returns the absolute, symlink-resolved form of path if it lies
// within one of allowedDirs. The file itself need not exist.
func Resolve(path string, allowedDirs []string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path validation failed: path is empty")
	}
	if len(allowedDirs) == 0 {
		return "", fmt.Errorf("path validation failed: no allowed directories configured")
	}
	if strings.ContainsRune(path, '\x00') {
		return "", fmt.Errorf("path validation failed: path contains null byte")
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("path validation failed: cannot resolve absolute path: %w", err)
	}

	// A directory inside the allowed tree may be a symlink to elsewhere.
	resolvedDir, err := resolveExistingParent(filepath.Dir(absPath))
	if err != nil {
		return "", fmt.Errorf("path validation failed: cannot resolve parent directory: %w", err)
	}
	resolved := filepath.Join(resolvedDir, filepath.Base(absPath))
	if absPath == string(filepath.Separator) {
		resolved = resolvedDir
	}

	for _, allowed := range allowedDirs {
		allowedAbs, err := filepath.Abs(filepath.Clean(allowed))
		if err != nil {
			continue
		}
		allowedResolved, err := resolveExistingParent(allowedAbs)
		if err != nil {
			continue
		}
		if isSubpath(resolved, allowedResolved) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("path validation failed: %q is outside allowed directories", RedactPath(absPath))
}

// ValidatePath reports whether path lies within one of allowedDirs.
func ValidatePath(path string, allowedDirs []string) error {
	_, err := Resolve(path, allowedDirs)
	return err
}

// resolveExistingParent resolves symlinks on the deepest existing ancestor
// of dir and re-appends the missing tail.
func resolveExistingParent(dir string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved, nil
	}

	parent := filepath.Dir(dir)
	if parent == dir {
		return "", fmt.Errorf("cannot resolve path: %s", RedactPath(dir))
	}
	resolvedParent, err := resolveExistingParent(parent)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedParent, filepath.Base(dir)), nil
}

// isSubpath checks whether path is equal to or below base.
func isSubpath(path, base string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, base+string(os.PathSeparator))
}

// AllowedDirs returns the directories MCP tools may read worlds from and
// write worlds to: the project root and ~/.heatstep.
func AllowedDirs(projectRoot string) ([]string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	dirs := []string{filepath.Join(homeDir, ".heatstep")}
	if projectRoot != "" {
		dirs = append(dirs, projectRoot)
	}
	return dirs, nil
}
