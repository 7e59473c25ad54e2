// Package local provides the on-disk tier of the cache and a directory
// backed source-asset store.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Storage stores files under a base directory on the local filesystem.
// Writes are staged to a temp file and atomically renamed into place, so a
// concurrent reader never observes a truncated file.
type Storage struct {
	baseDir string
}

// NewStorage creates the base directory if needed and returns a Storage.
func NewStorage(baseDir string) (*Storage, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}
	return &Storage{baseDir: baseDir}, nil
}

// Exists reports whether a fully written file is present for the key.
func (s *Storage) Exists(key string) bool {
	info, err := os.Stat(s.path(key))
	return err == nil && info.Mode().IsRegular()
}

// Stat returns the file size and modification time for the key.
func (s *Storage) Stat(key string) (int64, time.Time, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		return 0, time.Time{}, err
	}
	return info.Size(), info.ModTime(), nil
}

// Load reads the full contents stored under key.
func (s *Storage) Load(key string) ([]byte, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return io.ReadAll(f)
}

// Open returns a reader over the file stored under key.
func (s *Storage) Open(key string) (io.ReadCloser, error) {
	return os.Open(s.path(key))
}

// Save writes data under key. The bytes land in a temp file first and are
// renamed into place, making the entry visible only once fully written.
func (s *Storage) Save(key string, data []byte) error {
	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".staging-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close staging file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish %s: %w", dst, err)
	}

	return nil
}

// Remove deletes the file stored under key.
func (s *Storage) Remove(key string) error {
	return os.Remove(s.path(key))
}

// Purge removes every entry under the base directory, keeping the directory
// itself. Used at startup when a remote backend is the system of record.
func (s *Storage) Purge() error {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.baseDir, e.Name())); err != nil {
			return fmt.Errorf("failed to purge %s: %w", e.Name(), err)
		}
	}

	return nil
}

// path resolves a key inside the base directory, refusing traversal
// outside of it.
func (s *Storage) path(key string) string {
	clean := filepath.Clean("/" + strings.TrimPrefix(key, "/"))
	return filepath.Join(s.baseDir, clean)
}

// DirSource adapts Storage to the context-based source-store interface the
// service layer consumes, for deployments serving assets from a local
// directory instead of an object-storage bucket.
type DirSource struct {
	*Storage
}

// Exists reports whether the asset is present.
func (s DirSource) Exists(_ context.Context, path string) (bool, error) {
	return s.Storage.Exists(path), nil
}

// Load opens the asset for reading.
func (s DirSource) Load(_ context.Context, path string) (io.ReadCloser, error) {
	return s.Storage.Open(path)
}
