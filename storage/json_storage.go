package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONStore keeps each record in <dir>/<name>.json, the layout the reference
// deployment reads and writes.
type JSONStore struct {
	basePath string
	mu       sync.RWMutex
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	return &JSONStore{basePath: basePath}, nil
}

func (s *JSONStore) path(name string) string {
	return filepath.Join(s.basePath, name+".json")
}

func (s *JSONStore) Load(name string, v any) (bool, error) {
	if err := validName(name); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadFile(name, v)
}

func (s *JSONStore) Save(name string, v any) error {
	if err := validName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveFile(name, v)
}

func (s *JSONStore) Update(name string, v any, fn func(found bool) error) error {
	if err := validName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	found, err := s.loadFile(name, v)
	if err != nil {
		return err
	}
	if err := fn(found); err != nil {
		return err
	}
	return s.saveFile(name, v)
}

func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) loadFile(name string, v any) (bool, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read record %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal record %s: %w", name, err)
	}
	return true, nil
}

func (s *JSONStore) saveFile(name string, v any) error {
	path := s.path(name)

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", name, err)
	}

	// Write to temporary file first
	tempPath := path + ".tmp"
	if err := writeSynced(tempPath, data); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write record %s: %w", name, err)
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath) // Clean up temp file if rename fails
		return fmt.Errorf("failed to save record %s: %w", name, err)
	}

	return syncDir(s.basePath)
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir makes the rename itself durable. Some platforms cannot fsync a
// directory; that is not treated as a failure.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	d.Sync()
	return nil
}
