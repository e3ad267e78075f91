package blob

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Filesystem stores payloads as plain files under a root directory.
type Filesystem struct {
	root string
}

func NewFilesystem(root string) *Filesystem {
	return &Filesystem{root: root}
}

func (f *Filesystem) PutFile(_ context.Context, name string, data []byte) error {
	target := filepath.Join(f.root, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "creating storage directory")
	}
	return errors.Wrapf(os.WriteFile(target, data, 0o644), "writing %s", name)
}

func (f *Filesystem) GetFile(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, errors.Wrapf(err, "reading %s", name)
}

func (f *Filesystem) DeleteFile(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(f.root, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return errors.Wrapf(err, "removing %s", name)
}
