package receipt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by a Backend when nothing is stored under a key
var ErrNotFound = errors.New("not found")

// Backend defines the key-value operations the store persists through
type Backend interface {
	// Load returns the data stored under key
	Load(key string) ([]byte, error)

	// Save replaces the data stored under key
	Save(key string, data []byte) error
}

// FileBackend implements the Backend interface using one file per key
type FileBackend struct {
	basePath string
}

// NewFileBackend creates a new FileBackend instance
func NewFileBackend(basePath string) (*FileBackend, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &FileBackend{
		basePath: basePath,
	}, nil
}

func (f *FileBackend) path(key string) string {
	return filepath.Join(f.basePath, key+".json")
}

// Load reads the file for key
func (f *FileBackend) Load(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading file %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Save writes the file for key. The data goes to a temporary file first so
// a sync client never sees a partial write.
func (f *FileBackend) Save(key string, data []byte) error {
	tmp, err := os.CreateTemp(f.basePath, "."+key+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}
