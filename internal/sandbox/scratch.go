package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	scratchPrefix = "fixloop-run-"

	// sandboxPath is the only PATH a snippet sees.
	sandboxPath = "/usr/local/bin:/usr/bin:/bin"
)

// SweepScratch removes per-run directories left behind by a crashed server.
func SweepScratch(root string) (int, error) {
	if root == "" {
		root = os.TempDir()
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0, fmt.Errorf("reading scratch root %s: %w", root, err)
	}

	var removed int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		path := filepath.Join(root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned scratch directory")
			continue
		}
		removed++
	}
	return removed, nil
}

// newScratchDir creates a private per-run directory and writes the code into it.
func newScratchDir(root, fileName, code string) (dir, codePath string, err error) {
	if root == "" {
		root = os.TempDir()
	}
	dir, err = os.MkdirTemp(root, scratchPrefix+"*")
	if err != nil {
		return "", "", fmt.Errorf("creating scratch dir: %w", err)
	}
	codePath = filepath.Join(dir, fileName)
	if err := os.WriteFile(codePath, []byte(code), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", "", fmt.Errorf("writing code: %w", err)
	}
	return dir, codePath, nil
}
