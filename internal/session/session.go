// ABOUTME: Session credential store holding the bearer token and user identity
// ABOUTME: Memory-backed with optional JSON file persistence; no message data is ever stored

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Environment overrides, checked by LoadEnv.
const (
	EnvToken  = "AURA_TOKEN"
	EnvUserID = "AURA_USER_ID"
)

// ErrNoCredential is returned when an operation needs a credential and none is set.
var ErrNoCredential = errors.New("no session credential")

// Credential is the bearer token and the identity it was issued for.
type Credential struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

// Valid reports whether both fields are present.
func (c Credential) Valid() bool {
	return c.Token != "" && c.UserID != ""
}

// Store holds the credential for the lifetime of the process.
// When path is set, the credential is mirrored to a 0600 JSON file.
type Store struct {
	mu   sync.RWMutex
	cred Credential
	path string
}

// NewStore creates a store. An empty path keeps the credential in memory only.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the credential file if one is configured. A missing file is not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return fmt.Errorf("parsing session file: %w", err)
	}

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
	return nil
}

// LoadEnv overrides the stored credential from AURA_TOKEN / AURA_USER_ID.
// When only the token is set, the user ID is taken from the token's "sub" claim.
func (s *Store) LoadEnv() {
	token := strings.TrimSpace(os.Getenv(EnvToken))
	if token == "" {
		return
	}

	userID := strings.TrimSpace(os.Getenv(EnvUserID))
	if userID == "" {
		userID = TokenSubject(token)
	}

	s.mu.Lock()
	s.cred = Credential{Token: token, UserID: userID}
	s.mu.Unlock()
}

// Set replaces the credential and persists it when a path is configured.
func (s *Store) Set(cred Credential) error {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	return s.persist(cred)
}

// Get returns the current credential and whether it is usable.
func (s *Store) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.cred.Valid()
}

// Token returns the bearer token, or "" when logged out.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.Token
}

// UserID returns the local user's identifier, or "" when logged out.
func (s *Store) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred.UserID
}

// Clear forgets the credential and removes the session file.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cred = Credential{}
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

func (s *Store) persist(cred Credential) error {
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing session file: %w", err)
	}
	return nil
}
