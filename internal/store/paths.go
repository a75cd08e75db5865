package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the project-local state directory.
const DirName = ".heatstep"

// DBFile is the run ledger file name inside DirName.
const DBFile = "runs.db"

// LocalPath returns the .heatstep directory for the given project root.
func LocalPath(projectRoot string) string {
	return filepath.Join(projectRoot, DirName)
}

// GlobalPath returns ~/.heatstep.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, DirName), nil
}
