package credential

import (
	"errors"
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/example/courtkeeper/internal/crypto"
)

// SaveSnapshot seals the full store contents to path so cached sessions
// survive a restart. Passwords are included, hence the AEAD.
func (s *Store) SaveSnapshot(path string, aead *crypto.AEAD) error {
	s.mu.RLock()
	creds := make([]Credential, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		if !e.cred.RefreshedAt.IsZero() {
			creds = append(creds, cloned(e.cred))
		}
		e.mu.Unlock()
	}
	s.mu.RUnlock()

	plain, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := aead.Seal(plain)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadSnapshot restores a sealed snapshot into the store. A missing file is
// not an error. Entries go through Put, so a fresher live credential is
// never overwritten by a stale snapshot.
func (s *Store) LoadSnapshot(path string, aead *crypto.AEAD) (int, error) {
	sealed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	plain, err := aead.Open(sealed)
	if err != nil {
		return 0, fmt.Errorf("unseal snapshot %s: %w", path, err)
	}
	var creds []Credential
	if err := json.Unmarshal(plain, &creds); err != nil {
		return 0, fmt.Errorf("parse snapshot %s: %w", path, err)
	}
	n := 0
	for _, c := range creds {
		if s.Put(c) {
			n++
		}
	}
	return n, nil
}
