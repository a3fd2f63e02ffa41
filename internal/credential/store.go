package credential

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
)

// Credential is one account's captured session: the short-lived bearer token
// and the cookie set the gateway validates together, plus the password kept
// for automatic re-login.
type Credential struct {
	Account     string            `json:"account"`
	Token       string            `json:"token"`
	Cookies     map[string]string `json:"cookies"`
	Password    string            `json:"password"`
	Email       string            `json:"email,omitempty"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}

// Pair is the token+cookie pair callers hand to the gateway. The external
// service validates both together, so they must come from one read.
func (c Credential) Pair() (string, map[string]string) {
	return c.Token, c.Cookies
}

type entry struct {
	mu   sync.Mutex
	cred Credential
}

// Store holds the latest credential per account. Writes are
// last-writer-wins by RefreshedAt, not by arrival order: a delayed write
// carrying an older timestamp never clobbers a newer one.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) entryFor(account string) *entry {
	s.mu.RLock()
	e, ok := s.entries[account]
	s.mu.RUnlock()
	if ok {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[account]; ok {
		return e
	}
	e = &entry{}
	s.entries[account] = e
	return e
}

// Get returns a copy of the current credential for account.
func (s *Store) Get(account string) (Credential, bool) {
	s.mu.RLock()
	e, ok := s.entries[account]
	s.mu.RUnlock()
	if !ok {
		return Credential{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cred.RefreshedAt.IsZero() {
		return Credential{}, false
	}
	return cloned(e.cred), true
}

// Put stores cred unless the existing entry is at least as fresh. Returns
// whether the write was accepted.
func (s *Store) Put(cred Credential) bool {
	if cred.Account == "" {
		return false
	}
	if cred.RefreshedAt.IsZero() {
		cred.RefreshedAt = time.Now()
	}
	e := s.entryFor(cred.Account)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.cred.RefreshedAt.IsZero() && !e.cred.RefreshedAt.Before(cred.RefreshedAt) {
		return false
	}
	// carry forward fields a partial refresh does not resupply
	if cred.Password == "" {
		cred.Password = e.cred.Password
	}
	if cred.Email == "" {
		cred.Email = e.cred.Email
	}
	e.cred = cloned(cred)
	return true
}

// Evict drops one account's credential (externally triggered session purge).
func (s *Store) Evict(account string) {
	s.mu.Lock()
	delete(s.entries, account)
	s.mu.Unlock()
}

// Accounts lists accounts with a stored credential.
func (s *Store) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for a, e := range s.entries {
		e.mu.Lock()
		has := !e.cred.RefreshedAt.IsZero()
		e.mu.Unlock()
		if has {
			out = append(out, a)
		}
	}
	return out
}

func cloned(c Credential) Credential {
	if c.Cookies != nil {
		cp := make(map[string]string, len(c.Cookies))
		for k, v := range c.Cookies {
			cp[k] = v
		}
		c.Cookies = cp
	}
	return c
}

// UserClaims is the subset of the bearer token payload the booking flow
// needs (the gateway's reservation call wants the numeric user id).
type UserClaims struct {
	UserID  int64
	Account string
}

// ClaimsFromToken decodes the JWT payload segment without verifying the
// signature; the token is opaque to us and verification belongs to the
// issuing service.
func ClaimsFromToken(token string) (UserClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return UserClaims{}, fmt.Errorf("token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return UserClaims{}, fmt.Errorf("decode token payload: %w", err)
	}
	var raw struct {
		UserID   int64 `json:"userId"`
		Account  string `json:"account"`
		UserInfo struct {
			UserID  int64  `json:"userId"`
			Sno     string `json:"sno"`
			Account string `json:"account"`
		} `json:"userInfo"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return UserClaims{}, fmt.Errorf("parse token payload: %w", err)
	}
	claims := UserClaims{UserID: raw.UserID, Account: raw.Account}
	if claims.UserID == 0 {
		claims.UserID = raw.UserInfo.UserID
	}
	if claims.Account == "" {
		claims.Account = raw.UserInfo.Sno
	}
	if claims.Account == "" {
		claims.Account = raw.UserInfo.Account
	}
	if claims.UserID == 0 && claims.Account == "" {
		return UserClaims{}, fmt.Errorf("token payload carries no user identity")
	}
	return claims, nil
}
