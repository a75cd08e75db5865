package checkpoint

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nvandessel/heatstep/internal/grid"
)

const (
	filePrefix = "heatstep-ckpt-"
	fileExt    = ".hsc"
)

// DefaultDir returns <projectRoot>/.heatstep/checkpoints.
func DefaultDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".heatstep", "checkpoints")
}

// GeneratePath names a checkpoint so that lexical order is creation order.
func GeneratePath(dir string, step int) string {
	ts := time.Now().UTC().Format("20060102-150405.000")
	return filepath.Join(dir, fmt.Sprintf("%s%s-s%09d%s", filePrefix, ts, step, fileExt))
}

// Save writes g to a new checkpoint in dir and returns its path.
func Save(dir string, g *grid.Grid, meta Meta) (string, error) {
	path := GeneratePath(dir, meta.Step)
	if _, err := Write(path, g, meta); err != nil {
		return "", err
	}
	return path, nil
}

func isCheckpointFile(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileExt)
}
