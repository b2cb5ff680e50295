// Package auth owns the LMS session: the persisted token pair, its
// lifecycle, and transparent refresh of expired access tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/huyvng/decksync/internal/api"
	"github.com/huyvng/decksync/internal/domain"
)

// expiryLeeway is subtracted from the access token's exp claim so a token
// about to expire mid-request is refreshed up front.
const expiryLeeway = 30 * time.Second

// Store persists the session across restarts.
type Store interface {
	GetSession() (*domain.Session, error)
	SaveSession(domain.Session) error
	UpdateAccessToken(token string) error
	ClearSession() error
}

// Manager owns the session object and implements api.TokenSource, so the
// API client asks it for bearer tokens and refreshes through it on a 401.
type Manager struct {
	client *api.Client
	store  Store

	mu      sync.Mutex
	session *domain.Session
	loaded  bool
	invalid bool // refresh token was rejected; re-login required

	now func() time.Time
}

// NewManager creates a manager backed by the given client and store and
// registers itself as the client's token source.
func NewManager(client *api.Client, store Store) *Manager {
	m := &Manager{
		client: client,
		store:  store,
		now:    time.Now,
	}
	client.SetTokenSource(m)
	return m
}

// Login exchanges credentials for a token pair and persists it. A previous
// session, if any, is replaced.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	tokens, err := m.client.Login(ctx, email, password)
	if err != nil {
		return err
	}

	session := domain.Session{
		AccessToken:  tokens.Access,
		RefreshToken: tokens.Refresh,
		Email:        email,
	}
	if err := m.store.SaveSession(session); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	m.mu.Lock()
	m.session = &session
	m.loaded = true
	m.invalid = false
	m.mu.Unlock()

	slog.Info("logged in", "email", email)
	return nil
}

// Logout destroys the persisted token pair. It is a client-side operation;
// the LMS is not called.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.session = nil
	m.loaded = true
	m.invalid = false
	m.mu.Unlock()

	if err := m.store.ClearSession(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	slog.Info("logged out")
	return nil
}

// State reports the session lifecycle state.
func (m *Manager) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadLocked()
	if err != nil || session == nil {
		return domain.SessionUninitialized
	}
	if m.invalid {
		return domain.SessionInvalid
	}
	if exp, ok := tokenExpiry(session.AccessToken); ok && !m.now().Add(expiryLeeway).Before(exp) {
		return domain.SessionExpired
	}
	return domain.SessionValid
}

// Email returns the logged-in user's email, empty when logged out.
func (m *Manager) Email() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, err := m.loadLocked()
	if err != nil || session == nil {
		return ""
	}
	return session.Email
}

// EnsureValidToken returns a usable access token, refreshing it first when
// the stored one has expired. No network call is made while the cached token
// is still valid.
func (m *Manager) EnsureValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadLocked()
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", &api.AuthError{Message: "not logged in"}
	}
	if m.invalid {
		return "", &api.AuthError{Message: "session invalid, log in again"}
	}

	if exp, ok := tokenExpiry(session.AccessToken); ok && !m.now().Add(expiryLeeway).Before(exp) {
		return m.refreshLocked(ctx, session)
	}
	return session.AccessToken, nil
}

// AccessToken implements api.TokenSource.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	return m.EnsureValidToken(ctx)
}

// Refresh implements api.TokenSource. It forces a refresh regardless of the
// token's local expiry, for when the server rejects a token we still
// believed valid.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, err := m.loadLocked()
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", &api.AuthError{Message: "not logged in"}
	}
	return m.refreshLocked(ctx, session)
}

func (m *Manager) refreshLocked(ctx context.Context, session *domain.Session) (string, error) {
	access, err := m.client.RefreshAccessToken(ctx, session.RefreshToken)
	if err != nil {
		var authErr *api.AuthError
		if errors.As(err, &authErr) {
			m.invalid = true
			slog.Warn("refresh token rejected, re-login required")
		}
		return "", err
	}

	session.AccessToken = access
	if err := m.store.UpdateAccessToken(access); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}
	slog.Debug("access token refreshed")
	return access, nil
}

// loadLocked populates the in-process session from the store once.
func (m *Manager) loadLocked() (*domain.Session, error) {
	if m.loaded {
		return m.session, nil
	}
	session, err := m.store.GetSession()
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	m.session = session
	m.loaded = true
	return m.session, nil
}

// tokenExpiry reads the exp claim without verifying the signature. The
// client has no signing key; the server remains the authority and a stale
// local read only costs one extra refresh.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
