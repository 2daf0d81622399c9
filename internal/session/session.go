// internal/session/session.go
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dgrijalva/jwt-go"

	"energy-monitor/internal/data"
)

var (
	// ErrInvalidCredentials is returned when the backend rejects a login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenDecode is returned when a stored token cannot be decoded.
	ErrTokenDecode = errors.New("token decode failed")
	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("no active session")
)

// Store is the durable credential store the manager writes through.
type Store interface {
	Save(token, role string) error
	Load() (token, role string, ok bool)
	Clear() error
}

// Authenticator performs the login call. Implemented by the REST client;
// kept as an interface so the manager never depends on transport details.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (token, role, user string, err error)
}

// Manager owns the authenticated session and its token lifecycle. Every
// authorized request carries the bearer token of the current session; the
// manager never evaluates expiry itself: the backend is the sole authority
// and a 401 forces logout upstream.
type Manager struct {
	mu      sync.RWMutex
	current *data.Session

	store  Store
	auth   Authenticator
	logger *slog.Logger
}

func NewManager(store Store, auth Authenticator, logger *slog.Logger) *Manager {
	return &Manager{store: store, auth: auth, logger: logger}
}

// Login authenticates against the backend and, on success, activates and
// persists the session. A rejected login leaves no partial state behind.
func (m *Manager) Login(ctx context.Context, username, password string) (*data.Session, error) {
	token, role, user, err := m.auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}

	s := &data.Session{Token: token, Username: user, Role: role}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	if err := m.store.Save(token, role); err != nil {
		// The in-memory session is still valid; it just will not survive
		// a restart.
		m.logger.Warn("failed to persist credentials", "error", err)
	}

	m.logger.Info("session established", "username", user, "role", role)
	return s, nil
}

// Restore rebuilds a session from durable storage. The token's claims are
// decoded without signature verification: the client does not hold the
// signing key, and expiry is deliberately left to the backend. Restoration
// is fail-closed: any undecodable token clears all stored state and
// returns nil rather than a partial session.
func (m *Manager) Restore() *data.Session {
	token, role, ok := m.store.Load()
	if !ok {
		return nil
	}

	username, err := decodeSubject(token)
	if err != nil {
		m.logger.Warn("stored token undecodable, logging out", "error", err)
		m.Logout()
		return nil
	}

	if role == "" {
		role = data.RoleViewer
	}

	s := &data.Session{Token: token, Username: username, Role: role}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.logger.Info("session restored", "username", username, "role", role)
	return s
}

// Logout clears the in-memory session and all durable credentials,
// deauthorizing every subsequent request.
func (m *Manager) Logout() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if err := m.store.Clear(); err != nil {
		m.logger.Warn("failed to clear stored credentials", "error", err)
	}
}

// Current returns a copy of the active session, or nil.
func (m *Manager) Current() *data.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil
	}
	s := *m.current
	return &s
}

// Token implements the REST client's token source.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.Token
}

// decodeSubject extracts the username from the token's "sub" claim without
// verifying the signature.
func decodeSubject(token string) (string, error) {
	claims := &jwt.StandardClaims{}
	parser := &jwt.Parser{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", ErrTokenDecode
	}
	if claims.Subject == "" {
		return "", ErrTokenDecode
	}
	return claims.Subject, nil
}
