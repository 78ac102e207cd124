package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Canonical returns the absolute, symlink-free form of path. The path must exist.
// It is the natural key of a session.
func Canonical(path string) (string, error) {
	expanded, err := Expand(path)
	if err != nil {
		return "", err
	}
	canonicalPath, err := filepath.EvalSymlinks(expanded)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(canonicalPath)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", canonicalPath)
	}
	return canonicalPath, nil
}

// RelativeToHome renders path with the home directory shortened to ~.
func RelativeToHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	if path == home {
		return "~"
	}
	if strings.HasPrefix(path, home+string(filepath.Separator)) {
		return "~" + path[len(home):]
	}
	return path
}
