package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp looks for name in dir and each of its parents, returning "" if no directory contains it.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", curDir, err)
		}
		for _, e := range entries {
			if name == e.Name() && !e.IsDir() {
				return filepath.Join(curDir, name), nil
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return "", nil
		}
		curDir = newDir
	}
}
