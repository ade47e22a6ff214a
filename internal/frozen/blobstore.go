package frozen

import (
	"fmt"
	"os"
	"path/filepath"
)

// BlobStore is the byte-level storage under the frozen tier. Get
// reports a missing blob with an error satisfying
// errors.Is(err, fs.ErrNotExist), whatever the backend.
type BlobStore interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	Delete(name string) error
	Close() error
}

// fsStore keeps each blob as one file in a flat directory.
type fsStore struct {
	dir string
}

var _ BlobStore = (*fsStore)(nil)

// NewFSStore returns a BlobStore writing files under dir, creating it
// if needed.
func NewFSStore(dir string) (BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &fsStore{dir: dir}, nil
}

func (s *fsStore) path(name string) string {
	return filepath.Join(s.dir, name+".blob")
}

// Put writes through a temp file and renames, so a crash mid-write
// never leaves a half-written blob under its final name.
func (s *fsStore) Put(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close blob %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish blob %s: %w", name, err)
	}
	return nil
}

func (s *fsStore) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", name, err)
	}
	return data, nil
}

func (s *fsStore) Delete(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", name, err)
	}
	return nil
}

func (s *fsStore) Close() error { return nil }
