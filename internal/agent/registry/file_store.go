package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileStore keeps the snapshot in a single JSON or YAML file, chosen by the
// path's extension (.yaml/.yml for YAML, anything else JSON).
type FileStore struct {
	path string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(s.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the snapshot. A missing file is not an error.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	var snap Snapshot
	if s.isYAML() {
		err = yaml.Unmarshal(data, &snap)
	} else {
		err = json.Unmarshal(data, &snap)
	}
	if err != nil {
		return nil, fmt.Errorf("decode registry file %s: %w", s.path, err)
	}
	return &snap, nil
}

// Save writes the snapshot to a temp file and renames it into place.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	var (
		data []byte
		err  error
	)
	if s.isYAML() {
		data, err = yaml.Marshal(snap)
	} else {
		data, err = json.MarshalIndent(snap, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode registry snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".registry-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write registry snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close registry snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
