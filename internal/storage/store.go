// Package storage keeps intermediate per-configuration models while a
// search runs. Workers write under distinct keys, so stores need no
// cross-worker coordination beyond what the backend provides.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ErrNotFound is returned by Load for an unknown index.
var ErrNotFound = errors.New("storage: model not found")

// ModelStore persists serialised models keyed by configuration index.
type ModelStore interface {
	Save(index int, data []byte) error
	Load(index int) ([]byte, error)
	Delete(index int) error
	// Indices lists stored keys in ascending order.
	Indices() ([]int, error)
	Close() error
}

// Kind selects a ModelStore backend.
type Kind string

const (
	KindFile   Kind = "file"
	KindBadger Kind = "badger"
)

// Open creates a store of the given kind rooted at path.
func Open(kind Kind, path string) (ModelStore, error) {
	switch kind {
	case KindFile, "":
		return NewFileStore(path)
	case KindBadger:
		return NewBadgerStore(path)
	default:
		return nil, fmt.Errorf("storage: unknown model store %q", kind)
	}
}

// FileStore writes one JSON file per configuration.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("storage: empty model directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

const filePrefix = "config-"

func (s *FileStore) path(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%06d.json", filePrefix, index))
}

// Save writes through a temp file and rename.
func (s *FileStore) Save(index int, data []byte) error {
	tmp := s.path(index) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(index))
}

// Load implements ModelStore.
func (s *FileStore) Load(index int) ([]byte, error) {
	data, err := os.ReadFile(s.path(index))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Delete implements ModelStore; deleting a missing model is not an error.
func (s *FileStore) Delete(index int) error {
	err := os.Remove(s.path(index))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Indices implements ModelStore.
func (s *FileStore) Indices() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json"))
		if err != nil {
			continue
		}
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// Close implements ModelStore.
func (s *FileStore) Close() error { return nil }
