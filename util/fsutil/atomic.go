// Package fsutil holds small filesystem helpers shared by the on-disk stores.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// Renamer moves the finished temp file over the destination.
type Renamer func(oldpath, newpath string) error

// WriteAtomic replaces path with data so readers see either the old or the
// new content, never a partial write.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	return WriteAtomicWith(os.Rename, path, data, perm)
}

// WriteAtomicWith is WriteAtomic with a custom rename step.
func WriteAtomicWith(rename Renamer, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	successful := false
	defer func() {
		if !successful {
			os.Remove(tempFile.Name())
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tempFile.Chmod(perm); err != nil {
		tempFile.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := rename(tempFile.Name(), path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	successful = true

	// Persist the rename itself. Best effort: not every filesystem supports it.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
