package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modbus-gateway/internal/model"
)

// Store persists the device set.
type Store interface {
	Load() ([]model.Device, error)
	Save(devices []model.Device) error
}

// FileStore keeps devices as an indented JSON array in one file.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Load reads the file. A missing file is an empty device set.
func (f *FileStore) Load() ([]model.Device, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var devices []model.Device
	if err := json.Unmarshal(b, &devices); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return devices, nil
}

// Save replaces the file atomically via a temp file in the same directory.
func (f *FileStore) Save(devices []model.Device) error {
	if devices == nil {
		devices = []model.Device{}
	}
	b, err := json.MarshalIndent(devices, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.Path)
}

// MemoryStore is a Store without persistence.
type MemoryStore struct {
	Devices []model.Device
	// Err, if set, is returned by Save.
	Err error
}

func (m *MemoryStore) Load() ([]model.Device, error) {
	return append([]model.Device(nil), m.Devices...), nil
}

func (m *MemoryStore) Save(devices []model.Device) error {
	if m.Err != nil {
		return m.Err
	}
	m.Devices = append([]model.Device(nil), devices...)
	return nil
}
