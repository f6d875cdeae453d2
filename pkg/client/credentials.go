package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/binwatch/binwatch/pkg/config"
)

// Credentials identify the user the transport connects as.
type Credentials struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// CredentialStore persists credentials between runs. Load returns (nil, nil)
// when no credentials are stored.
type CredentialStore interface {
	Load() (*Credentials, error)
	Save(*Credentials) error
	Clear() error
}

// FileCredentialStore keeps credentials in a JSON file, by default under the
// user's config directory.
type FileCredentialStore struct {
	path string
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

// DefaultCredentialPath returns the standard location of the credentials file.
func DefaultCredentialPath() (string, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

func (s *FileCredentialStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("unmarshaling credentials: %w", err)
	}
	if creds.Token == "" || creds.UserID == "" {
		return nil, nil
	}
	return &creds, nil
}

func (s *FileCredentialStore) Save(creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshaling credentials: %w", err)
	}
	// Tokens are secrets, keep the file private.
	return os.WriteFile(s.path, data, 0600)
}

func (s *FileCredentialStore) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
