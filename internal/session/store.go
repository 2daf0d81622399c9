// internal/session/store.go
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// credentials is the on-disk shape. Fixed keys, cleared as a whole on
// logout, surviving process restarts.
type credentials struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// FileStore persists the bearer token and role between runs. The file is
// owner-readable only since the token grants account access.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes token and role atomically (write-then-rename).
func (s *FileStore) Save(token, role string) error {
	b, err := json.Marshal(credentials{Token: token, Role: role})
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Load returns the stored token and role. ok is false when nothing is
// stored or the file is unreadable.
func (s *FileStore) Load() (token, role string, ok bool) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", "", false
	}
	var c credentials
	if err := json.Unmarshal(b, &c); err != nil {
		return "", "", false
	}
	if c.Token == "" {
		return "", "", false
	}
	return c.Token, c.Role, true
}

// Clear removes the stored credentials entirely.
func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
