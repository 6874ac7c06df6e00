package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AtomicWrite serializes payload to a sibling temp file in dir(path), then
// renames it over path. A rename is atomic on the same filesystem, so
// readers never observe a partially written file: it's either the
// pre-state or the post-state, never in between.
func AtomicWrite(path string, payload []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("atomic write: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("atomic write: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("atomic write: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("atomic write: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic write: rename: %w", err)
	}
	return nil
}

// CleanStaleTemps removes any leftover `.NAME.tmp-*` files in dir, the way
// a crash between CreateTemp and Rename would leave one behind. Call this
// once at startup for each directory AtomicWrite is used against.
func CleanStaleTemps(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-") {
			_ = os.Remove(filepath.Join(dir, name))
		}
	}
	return nil
}
