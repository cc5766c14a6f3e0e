package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pavel-fokin/file-bin/internal/files"
)

// Storage implements files.BlobStorage using the filesystem
type Storage struct {
	dataDir string
}

// NewStorage creates a new filesystem storage rooted at dataDir
func NewStorage(dataDir string) (*Storage, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Storage{dataDir: dataDir}, nil
}

// Save writes content to a new blob. The write goes to a temp file which
// is fsynced and then hard-linked into place, so a partially written
// blob is never visible under storagePath. Linking fails with EEXIST if
// another writer got there first, which makes the no-overwrite guarantee
// atomic rather than a check-then-write race.
func (s *Storage) Save(storagePath string, content io.Reader) (int64, error) {
	fullPath := filepath.Join(s.dataDir, storagePath)

	tmpPath := fullPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create temp file: %v", files.ErrStorageFailure, err)
	}

	size, err := io.Copy(f, content)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: failed to write content: %v", files.ErrStorageFailure, err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: fsync failed: %v", files.ErrStorageFailure, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: failed to close temp file: %v", files.ErrStorageFailure, err)
	}

	if err := os.Link(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			return 0, fmt.Errorf("%w: %s", files.ErrAlreadyExists, storagePath)
		}
		return 0, fmt.Errorf("%w: failed to link into place: %v", files.ErrStorageFailure, err)
	}
	os.Remove(tmpPath)

	return size, nil
}

// Open returns a reader for the blob content
func (s *Storage) Open(storagePath string) (io.ReadCloser, error) {
	fullPath := filepath.Join(s.dataDir, storagePath)

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", files.ErrNotFound, storagePath)
		}
		return nil, fmt.Errorf("%w: failed to open blob: %v", files.ErrStorageFailure, err)
	}

	return f, nil
}

// Delete removes a blob. An already-absent path is not an error.
func (s *Storage) Delete(storagePath string) error {
	fullPath := filepath.Join(s.dataDir, storagePath)

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to delete blob: %v", files.ErrStorageFailure, err)
	}
	return nil
}
