// Package filestore provides the atomic-write-via-rename primitive the
// scheduler uses for every file it owns: scheduler-state, result documents,
// and pool files.
package filestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// EnsureDir creates the directory and all parents if they don't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// EnsureParentDir creates the parent directory of filePath.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// AtomicWrite writes data to filePath via a temporary file + rename, so a
// reader never observes a partially-written file.
func AtomicWrite(filePath string, data []byte, perm os.FileMode) error {
	if err := EnsureParentDir(filePath); err != nil {
		return err
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadFileOrEmpty reads a file, returning (nil, nil) if the file doesn't exist.
func ReadFileOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// ResolvePath resolves a configured path, handling ~ expansion and
// environment variable substitution. If configured is empty, defaultPath is
// used instead.
func ResolvePath(configured, defaultPath string) string {
	path := configured
	if path == "" {
		path = defaultPath
	}
	if path == "" {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			switch {
			case len(path) > 1 && path[1] == '/':
				path = filepath.Join(home, path[2:])
			case len(path) == 1:
				path = home
			default:
				path = filepath.Join(home, path[1:])
			}
		}
	}

	return os.ExpandEnv(path)
}

// MarshalJSONIndent marshals v as indented JSON with a trailing newline.
func MarshalJSONIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// WriteJSON is AtomicWrite composed with MarshalJSONIndent, the common case
// for the scheduler-state and result-document writers.
func WriteJSON(filePath string, v any, perm os.FileMode) error {
	data, err := MarshalJSONIndent(v)
	if err != nil {
		return err
	}
	return AtomicWrite(filePath, data, perm)
}
