package apikeys

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store loads and saves the key document. Implementations must tolerate
// a missing backing medium on Load by returning an empty document.
type Store interface {
	Load() (*Document, error)
	Save(doc *Document) error
}

// DefaultKeyFilePath is where FileStore keeps the document unless told
// otherwise, relative to the working directory.
const DefaultKeyFilePath = "config/api-keys.json"

// FileStore persists the document as one JSON file. Saves write to a
// temp file in the same directory and rename it into place, so a crash
// mid-save never leaves a truncated store behind.
type FileStore struct {
	path string
}

// NewFileStore creates a file store at path, or DefaultKeyFilePath when
// path is empty.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultKeyFilePath
	}
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the document. A missing file is an empty store, not an
// error.
func (s *FileStore) Load() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key store: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing key store: %w", err)
	}
	return &doc, nil
}

// Save writes the document atomically.
func (s *FileStore) Save(doc *Document) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key store directory: %w", err)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding key store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".api-keys-*.json")
	if err != nil {
		return fmt.Errorf("creating key store temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing key store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing key store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing key store temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("restricting key store permissions: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing key store: %w", err)
	}
	return nil
}
