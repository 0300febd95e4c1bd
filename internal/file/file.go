package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const appDirPerm os.FileMode = 0o750

// EnsureDir creates the directory if it does not exist.
func EnsureDir(dirPath string) error {
	if dirPath == "" {
		return errors.New("empty dir path")
	}
	if err := os.MkdirAll(dirPath, appDirPerm); err != nil { //nolint:gosec // app-owned download dir
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

// CopyAtomic writes data provided by the reader to the destination file atomically.
// The data lands in a temporary file in the same directory first. Every check is
// run after the copy and before the rename; a failing check discards the temp file
// and leaves any existing destination untouched.
func CopyAtomic(filename string, reader io.Reader, checks ...func(written int64) error) (int64, error) {
	if filename == "" {
		return 0, errors.New("empty filename")
	}
	dir := filepath.Dir(filename)
	if err := EnsureDir(dir); err != nil {
		return 0, err
	}
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()

	written, err := io.Copy(tempFile, reader)
	if err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("copy to temp: %w", err)
	}
	for _, check := range checks {
		if err := check(written); err != nil {
			_ = tempFile.Close()
			_ = os.Remove(tmpName)
			return written, err
		}
	}
	// ensure data hits disk
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("close temp: %w", err)
	}

	// remove existing file to avoid permission issues on Windows
	if _, err := os.Stat(filename); err == nil {
		_ = os.Remove(filename)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return written, fmt.Errorf("rename temp: %w", err)
	}
	return written, nil
}
