package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energy-monitor/internal/data"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.StandardClaims{
		Subject:   subject,
		ExpiresAt: time.Now().Add(30 * time.Minute).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

type stubAuth struct {
	token, role, user string
	err               error
	calls             int
}

func (s *stubAuth) Login(ctx context.Context, username, password string) (string, string, string, error) {
	s.calls++
	if s.err != nil {
		return "", "", "", s.err
	}
	return s.token, s.role, s.user, nil
}

func newTestManager(t *testing.T, auth Authenticator) (*Manager, *FileStore) {
	t.Helper()
	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	return NewManager(store, auth, testLogger()), store
}

func TestManager_Login_ActivatesAndPersists(t *testing.T) {
	auth := &stubAuth{token: signedToken(t, "admin"), role: data.RoleAdmin, user: "admin"}
	m, store := newTestManager(t, auth)

	s, err := m.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, "admin", s.Username)
	assert.Equal(t, data.RoleAdmin, s.Role)
	assert.Equal(t, auth.token, m.Token())

	token, role, ok := store.Load()
	require.True(t, ok, "credentials must survive in durable storage")
	assert.Equal(t, auth.token, token)
	assert.Equal(t, data.RoleAdmin, role)
}

func TestManager_Login_RejectedLeavesNoState(t *testing.T) {
	auth := &stubAuth{err: ErrInvalidCredentials}
	m, store := newTestManager(t, auth)

	_, err := m.Login(context.Background(), "admin", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Nil(t, m.Current())
	_, _, ok := store.Load()
	assert.False(t, ok)
}

func TestManager_Restore_RebuildsSession(t *testing.T) {
	m, store := newTestManager(t, &stubAuth{})
	require.NoError(t, store.Save(signedToken(t, "operator7"), data.RoleManager))

	s := m.Restore()
	require.NotNil(t, s)
	assert.Equal(t, "operator7", s.Username)
	assert.Equal(t, data.RoleManager, s.Role)
}

func TestManager_Restore_MalformedTokenFailsClosed(t *testing.T) {
	m, store := newTestManager(t, &stubAuth{})
	require.NoError(t, store.Save("not.a.token", data.RoleAdmin))

	s := m.Restore()
	assert.Nil(t, s, "restore must not yield a partial session")
	assert.Nil(t, m.Current())
	assert.Empty(t, m.Token())

	// Fail-closed means the bad token is also purged from storage.
	_, _, ok := store.Load()
	assert.False(t, ok)
}

func TestManager_Restore_MissingSubjectFailsClosed(t *testing.T) {
	m, store := newTestManager(t, &stubAuth{})
	require.NoError(t, store.Save(signedToken(t, ""), data.RoleAdmin))

	assert.Nil(t, m.Restore())
}

func TestManager_Restore_MissingRoleDefaultsToViewer(t *testing.T) {
	m, store := newTestManager(t, &stubAuth{})
	require.NoError(t, store.Save(signedToken(t, "someone"), ""))

	s := m.Restore()
	require.NotNil(t, s)
	assert.Equal(t, data.RoleViewer, s.Role)
}

func TestManager_Restore_NothingStored(t *testing.T) {
	m, _ := newTestManager(t, &stubAuth{})
	assert.Nil(t, m.Restore())
}

func TestManager_Logout_ClearsEverything(t *testing.T) {
	auth := &stubAuth{token: signedToken(t, "admin"), role: data.RoleAdmin, user: "admin"}
	m, store := newTestManager(t, auth)

	_, err := m.Login(context.Background(), "admin", "admin123")
	require.NoError(t, err)

	m.Logout()

	assert.Nil(t, m.Current())
	assert.Empty(t, m.Token())
	_, _, ok := store.Load()
	assert.False(t, ok)
}

func TestManager_ExpiryIsNotEvaluatedLocally(t *testing.T) {
	m, store := newTestManager(t, &stubAuth{})

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &jwt.StandardClaims{
		Subject:   "admin",
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	})
	signed, err := expired.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	require.NoError(t, store.Save(signed, data.RoleAdmin))

	// The backend is the sole authority on expiry; a locally expired
	// token still restores and is simply rejected server-side later.
	s := m.Restore()
	require.NotNil(t, s)
	assert.Equal(t, "admin", s.Username)
}

func TestSessionRoleGating(t *testing.T) {
	assert.True(t, (&data.Session{Role: data.RoleAdmin}).CanControlSimulation())
	assert.True(t, (&data.Session{Role: data.RoleManager}).CanControlSimulation())
	assert.False(t, (&data.Session{Role: data.RoleEngineer}).CanControlSimulation())
	assert.False(t, (&data.Session{Role: data.RoleViewer}).CanControlSimulation())

	var none *data.Session
	assert.False(t, none.CanControlSimulation())
}

func TestFileStore_RoundTrip(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "credentials.json"))

	require.NoError(t, store.Save("tok", data.RoleEngineer))
	token, role, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, "tok", token)
	assert.Equal(t, data.RoleEngineer, role)

	require.NoError(t, store.Clear())
	_, _, ok = store.Load()
	assert.False(t, ok)

	// Clearing an already-empty store is not an error.
	require.NoError(t, store.Clear())
}

func TestDecodeSubject(t *testing.T) {
	sub, err := decodeSubject(signedToken(t, "someone"))
	require.NoError(t, err)
	assert.Equal(t, "someone", sub)

	_, err = decodeSubject("garbage")
	assert.True(t, errors.Is(err, ErrTokenDecode))
}
