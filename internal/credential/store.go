// Package credential manages OAuth credentials for upstream providers: a
// JSON file store, import from collaborating CLI tools, and background token
// refresh with single-flight coalescing.
package credential

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Credential is one stored OAuth identity. ExpiresAt is a Unix timestamp in
// milliseconds, matching the CLI credential files the store imports from.
type Credential struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresAt    int64    `json:"expires_at,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	ProjectID    string   `json:"project_id,omitempty"`
	AccountID    string   `json:"account_id,omitempty"`
}

// HasScope reports whether the credential carries the named scope. Scopes may
// be stored as discrete entries or as a single space-separated string.
func (c Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope || slices.Contains(strings.Fields(s), scope) {
			return true
		}
	}
	return false
}

// ExpiresWithin reports whether the credential expires before now+margin.
// A zero ExpiresAt means the expiry is unknown and is treated as valid.
func (c Credential) ExpiresWithin(margin time.Duration) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return c.ExpiresAt <= time.Now().Add(margin).UnixMilli()
}

// storeFile is the on-disk layout of the credential store.
type storeFile struct {
	Identities map[string]Credential `json:"identities"`
}

// Store is a file-backed credential store. Writes go through a temp file and
// rename so a crash never leaves a truncated store behind.
type Store struct {
	path string

	mu         sync.Mutex
	identities map[string]Credential
}

// DefaultPath returns the store location under the user config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("credential store path: %w", err)
	}
	return filepath.Join(dir, "prism", "credentials.json"), nil
}

// Open loads the store at path, creating an empty store when the file does
// not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{path: path, identities: make(map[string]Credential)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read credential store: %w", err)
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credential store %s: %w", path, err)
	}
	if f.Identities != nil {
		s.identities = f.Identities
	}
	return s, nil
}

// Get returns the credential for an identity name.
func (s *Store) Get(name string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.identities[name]
	return c, ok
}

// Put stores a credential and persists the file.
func (s *Store) Put(name string, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[name] = c
	return s.save()
}

// Names returns the stored identity names.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.identities))
	for name := range s.identities {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// save writes the store atomically. Caller holds s.mu. The file is 0600 and
// its directory 0700: it holds live tokens.
func (s *Store) save() error {
	data, err := json.MarshalIndent(storeFile{Identities: s.identities}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credential store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}
