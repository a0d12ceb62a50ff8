package files

import (
	"fmt"
	"os"
	"path/filepath"
)

// FindUp returns the path of the first file called name in dir or one of its parents, or "" if there is none.
func FindUp(name, dir string) (string, error) {
	curDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return "", fmt.Errorf("reading dir %s: %w", curDir, err)
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
