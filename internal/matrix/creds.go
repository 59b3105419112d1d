package matrix

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CredentialCache persists per-entity session credentials on disk.
// Files are owner-only; the directory is created on first save.
type CredentialCache struct {
	dir string
}

// NewCredentialCache creates a cache rooted at dir.
func NewCredentialCache(dir string) *CredentialCache {
	return &CredentialCache{dir: dir}
}

func (c *CredentialCache) path(entityID string) string {
	return filepath.Join(c.dir, entityID+".json")
}

// Load returns the cached credentials for an entity, or nil when absent.
func (c *CredentialCache) Load(entityID string) (*Credentials, error) {
	data, err := os.ReadFile(c.path(entityID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials for %s: %w", entityID, err)
	}
	return &creds, nil
}

// Save writes credentials for an entity with owner-only permissions.
func (c *CredentialCache) Save(entityID string, creds *Credentials) error {
	if err := os.MkdirAll(c.dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.path(entityID), data, 0o600)
}

// Delete removes cached credentials for an entity. Missing files are ignored.
func (c *CredentialCache) Delete(entityID string) error {
	err := os.Remove(c.path(entityID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
