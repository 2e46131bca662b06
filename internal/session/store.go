package session

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Resume is the minimal state persisted between process runs. It lets a
// restarted client re-authenticate and re-query where it left off; the order
// details themselves are always re-fetched from the server.
type Resume struct {
	CaptainID     string    `json:"captain_id"`
	Token         string    `json:"token"`
	Available     bool      `json:"available"`
	ActiveOrderID string    `json:"active_order_id,omitempty"`
	SavedAt       time.Time `json:"saved_at"`
}

// Store persists resume state.
type Store interface {
	Load() (*Resume, error)
	Save(Resume) error
	Clear() error
}

// FileStore keeps the resume state as a JSON file.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the resume file. A missing file yields (nil, nil).
func (s *FileStore) Load() (*Resume, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var r Resume
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Save writes the resume file atomically via a temp file rename.
func (s *FileStore) Save(r Resume) error {
	r.SavedAt = time.Now().UTC()
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Clear removes the resume file. Missing file is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// nopStore is used when resume is disabled by configuration.
type nopStore struct{}

func (nopStore) Load() (*Resume, error) { return nil, nil }
func (nopStore) Save(Resume) error      { return nil }
func (nopStore) Clear() error           { return nil }

// NopStore returns a Store that persists nothing.
func NopStore() Store { return nopStore{} }
