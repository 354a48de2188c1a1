package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/envnode/internal/defaults"
)

// runInit prepares a node directory: a data directory and a default
// config.yaml. Existing files are never overwritten. The config may
// hold broker and network secrets, so it is written 0600.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing envnode in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	wrote, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, kept)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to set the network, broker and sensors of this node.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, and reports whether it wrote.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
