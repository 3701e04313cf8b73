package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"backbone/internal/logging"
	"backbone/internal/startup"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong password.
var ErrInvalidCredentials = errors.New("invalid email or password")

// SessionClaims is the payload of a session token.
type SessionClaims struct {
	jwt.RegisteredClaims

	// private claims
	Email string `json:"backbone/email"`
	Name  string `json:"backbone/name"`
}

// TokenAuthenticator signs users in against an AccountStore and keeps a session token
// on disk so the next launch can skip the sign-in step.
type TokenAuthenticator struct {
	accounts    *AccountStore
	key         []byte
	issuer      string
	ttl         time.Duration
	sessionPath string
	now         func() time.Time
}

// Option configures a TokenAuthenticator.
type Option func(*TokenAuthenticator)

// WithIssuer sets the iss claim.
func WithIssuer(issuer string) Option {
	return func(a *TokenAuthenticator) { a.issuer = issuer }
}

// WithTTL sets the session lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(a *TokenAuthenticator) { a.ttl = ttl }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *TokenAuthenticator) { a.now = now }
}

// NewTokenAuthenticator creates an authenticator. key must be at least 32 bytes.
func NewTokenAuthenticator(accounts *AccountStore, key []byte, sessionPath string, opts ...Option) (*TokenAuthenticator, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("signing key must be at least 32 bytes, got %d", len(key))
	}
	a := &TokenAuthenticator{
		accounts:    accounts,
		key:         key,
		issuer:      "backbone",
		ttl:         24 * time.Hour,
		sessionPath: sessionPath,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// SignIn verifies the credentials, writes a fresh session token and returns the user.
func (a *TokenAuthenticator) SignIn(ctx context.Context, email, password string) (startup.User, error) {
	if err := ctx.Err(); err != nil {
		return startup.User{}, err
	}

	acct, err := a.accounts.Lookup(email)
	if err != nil {
		logging.AuthWarn("sign-in for unknown account %s", email)
		return startup.User{}, ErrInvalidCredentials
	}
	ok := acct.CheckPassword(password)
	if err := ctx.Err(); err != nil {
		return startup.User{}, err
	}
	if !ok {
		logging.AuthWarn("wrong password for %s", email)
		return startup.User{}, ErrInvalidCredentials
	}

	token, err := a.Issue(acct)
	if err != nil {
		return startup.User{}, err
	}
	if err := a.writeSession(token); err != nil {
		return startup.User{}, err
	}

	logging.Auth("signed in %s", acct.Email)
	return userFromAccount(acct), nil
}

// Issue signs a session token for acct.
func (a *TokenAuthenticator) Issue(acct *Account) (string, error) {
	now := a.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   acct.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		Email: acct.Email,
		Name:  acct.DisplayName,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a session token.
func (a *TokenAuthenticator) Verify(token string) (*SessionClaims, error) {
	claims := new(SessionClaims)
	_, err := jwt.ParseWithClaims(
		token, claims,
		func(*jwt.Token) (interface{}, error) { return a.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// CurrentUser resumes the saved session. It returns nil without error when there is no
// usable session; an expired or forged token is removed.
func (a *TokenAuthenticator) CurrentUser(ctx context.Context) (*startup.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(a.sessionPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	claims, err := a.Verify(strings.TrimSpace(string(data)))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			logging.Auth("saved session expired")
		} else {
			logging.AuthWarn("discarding unusable session token: %v", err)
		}
		_ = a.SignOut()
		return nil, nil
	}

	acct, ok := a.accounts.ByID(claims.Subject)
	if !ok {
		logging.AuthWarn("session refers to removed account %s", claims.Subject)
		_ = a.SignOut()
		return nil, nil
	}

	u := userFromAccount(acct)
	logging.AuthDebug("resumed session for %s", acct.Email)
	return &u, nil
}

// SignOut removes the saved session.
func (a *TokenAuthenticator) SignOut() error {
	if err := os.Remove(a.sessionPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (a *TokenAuthenticator) writeSession(token string) error {
	if err := os.MkdirAll(filepath.Dir(a.sessionPath), 0700); err != nil {
		return err
	}
	return os.WriteFile(a.sessionPath, []byte(token+"\n"), 0600)
}

func userFromAccount(acct *Account) startup.User {
	return startup.User{ID: acct.ID, DisplayName: acct.DisplayName, Email: acct.Email}
}

// LoadOrCreateKey returns the signing key stored at path, generating one on first use.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, derr := hex.DecodeString(strings.TrimSpace(string(data)))
		if derr != nil || len(key) < 32 {
			return nil, fmt.Errorf("signing key at %s is malformed", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, err
	}
	logging.Auth("generated new signing key at %s", path)
	return key, nil
}
