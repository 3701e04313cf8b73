package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestAuthenticator(t *testing.T, opts ...Option) (*TokenAuthenticator, *AccountStore) {
	t.Helper()
	s := newTestStore(t)
	_, err := s.Add("alice@example.com", "Alice", "correct horse")
	require.NoError(t, err)
	a, err := NewTokenAuthenticator(s, testKey, filepath.Join(t.TempDir(), "session.jwt"), opts...)
	require.NoError(t, err)
	return a, s
}

func TestSignIn_PersistsSession(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	u, err := a.SignIn(ctx, "alice@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)

	resumed, err := a.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, u, *resumed)
}

func TestSignIn_InvalidCredentials(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx := context.Background()

	_, err := a.SignIn(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.SignIn(ctx, "mallory@example.com", "correct horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	u, err := a.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSignIn_CancelledContext(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.SignIn(ctx, "alice@example.com", "correct horse")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCurrentUser_ExpiredSessionIsDiscarded(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a, _ := newTestAuthenticator(t, WithClock(clock), WithTTL(time.Hour))
	ctx := context.Background()

	_, err := a.SignIn(ctx, "alice@example.com", "correct horse")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	u, err := a.CurrentUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, u)

	_, statErr := os.Stat(a.sessionPath)
	assert.True(t, os.IsNotExist(statErr), "expired session file should be removed")
}

func TestVerify_RejectsForeignKeyAndAlgorithm(t *testing.T) {
	a, s := newTestAuthenticator(t)
	acct, err := s.Lookup("alice@example.com")
	require.NoError(t, err)

	other, err := NewTokenAuthenticator(s, []byte("ffffffffffffffffffffffffffffffff"), a.sessionPath)
	require.NoError(t, err)
	forged, err := other.Issue(acct)
	require.NoError(t, err)
	_, err = a.Verify(forged)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "backbone", Subject: acct.ID, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Verify(none)
	assert.Error(t, err)
}

func TestVerify_WrongIssuer(t *testing.T) {
	a, s := newTestAuthenticator(t)
	acct, err := s.Lookup("alice@example.com")
	require.NoError(t, err)
	other, err := NewTokenAuthenticator(s, testKey, a.sessionPath, WithIssuer("someone-else"))
	require.NoError(t, err)

	tok, err := other.Issue(acct)
	require.NoError(t, err)
	_, err = a.Verify(tok)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidIssuer)
}

func TestCurrentUser_GarbageSession(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	require.NoError(t, os.WriteFile(a.sessionPath, []byte("not a token"), 0600))

	u, err := a.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestNewTokenAuthenticator_ShortKey(t *testing.T) {
	_, err := NewTokenAuthenticator(newTestStore(t), []byte("short"), "session.jwt")
	assert.Error(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "signing.key")

	k1, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, k1, 32)

	k2, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	require.NoError(t, os.WriteFile(path, []byte("zz"), 0600))
	_, err = LoadOrCreateKey(path)
	assert.Error(t, err)
}
