package storage

import (
	"os"
	"path/filepath"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// EnsureParentDir ensures the directory holding path exists.
func EnsureParentDir(path string) error {
	return EnsureDir(filepath.Dir(path))
}
