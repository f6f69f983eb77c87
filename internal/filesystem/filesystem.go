package filesystem

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NamanBalaji/gridmover/internal/errors"
)

// FileChannel is a storage channel backed by a local file.
// Positioned reads and writes are safe for concurrent use.
type FileChannel struct {
	file *os.File
}

// OpenForSend opens an existing file read-only.
func OpenForSend(path string) (*FileChannel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewStorageError(err, path)
	}
	return &FileChannel{file: f}, nil
}

// CreateForReceive creates path, and any missing parent directories, for
// writing. An existing file is truncated.
func CreateForReceive(path string) (*FileChannel, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewStorageError(err, path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.NewStorageError(err, path)
	}
	return &FileChannel{file: f}, nil
}

func (c *FileChannel) ReadAt(p []byte, off int64) (int, error) {
	return c.file.ReadAt(p, off)
}

func (c *FileChannel) WriteAt(p []byte, off int64) (int, error) {
	return c.file.WriteAt(p, off)
}

// Size returns the current size of the file.
func (c *FileChannel) Size() (int64, error) {
	info, err := c.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (c *FileChannel) Name() string {
	return c.file.Name()
}

// Close syncs written data before closing the file.
func (c *FileChannel) Close() error {
	syncErr := c.file.Sync()
	closeErr := c.file.Close()
	if closeErr != nil {
		return errors.NewStorageError(closeErr, c.file.Name())
	}
	if syncErr != nil && !errors.Is(syncErr, os.ErrInvalid) {
		return errors.NewStorageError(fmt.Errorf("sync: %w", syncErr), c.file.Name())
	}
	return nil
}

// FileExists checks if a file exists
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
