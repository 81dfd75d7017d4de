package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/edgecli/peerlink/internal/registry"
)

// FileStore keeps the snapshot in a single file. A .yaml or .yml extension
// selects YAML, anything else JSON.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(f.path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (f *FileStore) Load() (registry.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return registry.Snapshot{}, nil
		}
		return registry.Snapshot{}, fmt.Errorf("read %s: %w", f.path, err)
	}

	var doc document
	if f.isYAML() {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return registry.Snapshot{}, fmt.Errorf("parse %s: %w", f.path, err)
	}
	return doc.toSnapshot()
}

// Save writes the snapshot atomically via a temp file and rename.
func (f *FileStore) Save(s registry.Snapshot) error {
	doc := toDocument(s)

	var (
		data []byte
		err  error
	)
	if f.isYAML() {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal auth registry: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".auth-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// Close is a no-op for files.
func (f *FileStore) Close() error { return nil }
