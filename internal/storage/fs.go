package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aspect-build/sealvault/internal/vaulterr"
)

// FSStore keeps objects under a local directory. Writes go to a temporary
// file in the target directory and are renamed into place.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("fs store: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("fs store: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("fs store: create root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

func (s *FSStore) resolve(op, path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if path == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", vaulterr.Errorf(vaulterr.ErrInvalidRequest, op, "invalid object path %q", path)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FSStore) Put(ctx context.Context, path string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", vaulterr.E(vaulterr.ErrStorage, "fs.Put", err)
	}
	full, err := s.resolve("fs.Put", path)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", vaulterr.E(vaulterr.ErrStorage, "fs.Put", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", vaulterr.E(vaulterr.ErrStorage, "fs.Put", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", vaulterr.E(vaulterr.ErrStorage, "fs.Put", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", vaulterr.E(vaulterr.ErrStorage, "fs.Put", err)
	}
	if err := tmp.Close(); err != nil {
		return "", vaulterr.E(vaulterr.ErrStorage, "fs.Put", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", vaulterr.E(vaulterr.ErrStorage, "fs.Put", err)
	}
	return Hash(data), nil
}

func (s *FSStore) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve("fs.Get", path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, vaulterr.E(vaulterr.ErrStorage, "fs.Get", err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, path string) error {
	full, err := s.resolve("fs.Delete", path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return vaulterr.E(vaulterr.ErrStorage, "fs.Delete", err)
	}
	return nil
}
