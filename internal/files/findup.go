package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FindUp returns the path of the first entry called name in dir or any of its parents,
// or "" if the filesystem root is reached without a match. Unreadable directories are skipped.
func FindUp(name, dir string) (string, error) {
	curDir := dir
	for {
		p := filepath.Join(curDir, name)
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) && !errors.Is(err, os.ErrPermission) {
			return "", fmt.Errorf("checking %q: %w", p, err)
		}
		parent := filepath.Dir(curDir)
		if parent == curDir {
			return "", nil
		}
		curDir = parent
	}
}
