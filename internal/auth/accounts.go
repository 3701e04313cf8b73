// Package auth is the local authentication provider: a YAML account directory with
// bcrypt password hashes, and HS256 session tokens persisted between launches.
package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"backbone/internal/logging"
)

var (
	// ErrAccountExists is returned when adding an email that is already registered.
	ErrAccountExists = errors.New("account already exists")

	// ErrNoAccount is returned when an email is not registered.
	ErrNoAccount = errors.New("no such account")
)

// Account is one entry of the account directory.
type Account struct {
	ID           string    `yaml:"id"`
	Email        string    `yaml:"email"`
	DisplayName  string    `yaml:"display_name"`
	PasswordHash string    `yaml:"password_hash"`
	CreatedAt    time.Time `yaml:"created_at"`
}

type accountsFile struct {
	Version  int        `yaml:"version"`
	Accounts []*Account `yaml:"accounts"`
}

// AccountStore manages the account directory file.
type AccountStore struct {
	mu       sync.RWMutex
	filePath string
	accounts map[string]*Account // by lowercased email
	cost     int
}

// NewAccountStore loads the directory at path. A missing file starts empty.
func NewAccountStore(path string) (*AccountStore, error) {
	s := &AccountStore{
		filePath: path,
		accounts: make(map[string]*Account),
		cost:     bcrypt.DefaultCost,
	}
	if err := s.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return s, nil
}

// Load reads the directory from disk.
func (s *AccountStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse accounts file %s: %w", s.filePath, err)
	}

	s.accounts = make(map[string]*Account, len(f.Accounts))
	for _, a := range f.Accounts {
		if a == nil || a.Email == "" {
			continue
		}
		s.accounts[normalizeEmail(a.Email)] = a
	}
	logging.AuthDebug("loaded %d accounts from %s", len(s.accounts), s.filePath)
	return nil
}

// Save writes the directory to disk with owner-only permissions.
func (s *AccountStore) Save() error {
	s.mu.RLock()
	f := accountsFile{Version: 1, Accounts: s.sortedLocked()}
	s.mu.RUnlock()

	data, err := yaml.Marshal(f)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	return os.WriteFile(s.filePath, data, 0600)
}

// Add registers a new account and saves the directory.
func (s *AccountStore) Add(email, displayName, password string) (*Account, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("invalid email %q", email)
	}
	if len(password) < 8 {
		return nil, fmt.Errorf("password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	key := normalizeEmail(email)
	if _, ok := s.accounts[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, email)
	}
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}
	a := &Account{
		ID:           uuid.NewString(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	s.accounts[key] = a
	s.mu.Unlock()

	if err := s.Save(); err != nil {
		return nil, err
	}
	logging.Auth("account added: %s", email)
	return a, nil
}

// Lookup returns the account for email.
func (s *AccountStore) Lookup(email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[normalizeEmail(email)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAccount, email)
	}
	return a, nil
}

// ByID returns the account with the given id.
func (s *AccountStore) ByID(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return nil, false
}

// List returns all accounts sorted by email.
func (s *AccountStore) List() []*Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

func (s *AccountStore) sortedLocked() []*Account {
	out := make([]*Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// CheckPassword reports whether password matches the stored hash.
func (a *Account) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(password)) == nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
