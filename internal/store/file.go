package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// FileStore implements Store on top of a single JSON file. Saves go through a
// temporary file renamed into place, so readers never see a partial write.
type FileStore struct {
	path string
	perm os.FileMode
}

// NewFileStore returns a store backed by the file at path. The file is not
// touched until EnsureInitialized, Load or Save is called.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, perm: 0o644}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) EnsureInitialized() error {
	_, err := os.Stat(s.path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: stat %s: %w", ErrUnavailable, s.path, err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %w", ErrUnavailable, dir, err)
		}
	}
	return s.Save(SeedRegistry())
}

func (s *FileStore) Load() (*Registry, error) {
	data, err := s.Raw()
	if err != nil {
		return nil, err
	}
	reg, err := decodeRegistry(data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", s.path, err)
	}
	return reg, nil
}

// Save replaces the file atomically. An existing file keeps its mode, and a
// symlinked path keeps the link: the write goes to the link target.
func (s *FileStore) Save(reg *Registry) error {
	data, err := encodeRegistry(reg)
	if err != nil {
		return err
	}
	target := s.path
	if resolved, err := filepath.EvalSymlinks(s.path); err == nil {
		target = resolved
	}
	if err := renameio.WriteFile(target, data, s.perm); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrUnavailable, s.path, err)
	}
	return nil
}

func (s *FileStore) Raw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrUnavailable, s.path, err)
	}
	return data, nil
}

// Close is a no-op; the file is opened per call.
func (s *FileStore) Close() error {
	return nil
}
