package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/busybox42/elemta-core/internal/mail"
)

// FileBackend stores each entry as a JSON file named <id>.json.
type FileBackend struct {
	dir string
}

var _ Backend = (*FileBackend)(nil)

// NewFileBackend creates a file backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create tmp directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (fb *FileBackend) path(id string) (string, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid spool id %q", id)
	}
	return filepath.Join(fb.dir, id+".json"), nil
}

// Put implements Backend. The entry is written to tmp/ and renamed into
// place so readers never see a partial file.
func (fb *FileBackend) Put(m *mail.Mail) error {
	path, err := fb.path(m.ID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mail: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Join(fb.dir, "tmp"), m.ID+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write mail file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close mail file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to move mail file into place: %w", err)
	}
	return nil
}

// Get implements Backend.
func (fb *FileBackend) Get(id string) (*mail.Mail, error) {
	path, err := fb.path(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read mail file: %w", err)
	}

	var m mail.Mail
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal mail: %w", err)
	}
	return &m, nil
}

// Delete implements Backend.
func (fb *FileBackend) Delete(id string) error {
	path, err := fb.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete mail file: %w", err)
	}
	return nil
}

// Keys implements Backend.
func (fb *FileBackend) Keys() ([]string, error) {
	files, err := os.ReadDir(fb.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read spool directory: %w", err)
	}

	keys := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}
		keys = append(keys, strings.TrimSuffix(file.Name(), ".json"))
	}
	sort.Strings(keys)
	return keys, nil
}
