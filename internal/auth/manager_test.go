package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/huyvng/decksync/internal/api"
	"github.com/huyvng/decksync/internal/domain"
)

// memStore is an in-memory session store.
type memStore struct {
	session *domain.Session
}

func (s *memStore) GetSession() (*domain.Session, error) {
	if s.session == nil {
		return nil, nil
	}
	copied := *s.session
	return &copied, nil
}

func (s *memStore) SaveSession(session domain.Session) error {
	s.session = &session
	return nil
}

func (s *memStore) UpdateAccessToken(token string) error {
	if s.session != nil {
		s.session.AccessToken = token
	}
	return nil
}

func (s *memStore) ClearSession() error {
	s.session = nil
	return nil
}

func signedToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	return signed
}

func newTestManager(t *testing.T, handler http.Handler, store Store) *Manager {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := api.NewClient(server.URL, 5*time.Second)
	return NewManager(client, store)
}

func TestStateUninitialized(t *testing.T) {
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
	}), &memStore{})

	if got := m.State(); got != domain.SessionUninitialized {
		t.Errorf("Expected uninitialized state, got %v", got)
	}

	_, err := m.EnsureValidToken(context.Background())
	var authErr *api.AuthError
	if !errors.As(err, &authErr) {
		t.Errorf("Expected AuthError when logged out, got %v", err)
	}
}

func TestLoginStoresSession(t *testing.T) {
	store := &memStore{}
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/login/" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"tokens":{"access":"acc","refresh":"ref"},"user":{}}`)
	}), store)

	if err := m.Login(context.Background(), "student@example.com", "pw"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if store.session == nil || store.session.AccessToken != "acc" || store.session.Email != "student@example.com" {
		t.Errorf("Expected persisted session, got %+v", store.session)
	}
}

func TestValidTokenNeedsNoNetwork(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	store := &memStore{session: &domain.Session{AccessToken: token, RefreshToken: "ref", Email: "s@e.c"}}
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request %s %s while token is valid", r.Method, r.URL.Path)
	}), store)

	got, err := m.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidToken failed: %v", err)
	}
	if got != token {
		t.Errorf("Expected the cached token back, got %q", got)
	}
	if state := m.State(); state != domain.SessionValid {
		t.Errorf("Expected valid state, got %v", state)
	}
}

func TestExpiredTokenIsRefreshed(t *testing.T) {
	stale := signedToken(t, time.Now().Add(-time.Minute))
	var refreshCalls int
	store := &memStore{session: &domain.Session{AccessToken: stale, RefreshToken: "ref", Email: "s@e.c"}}
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/accounts/token/refresh/" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		refreshCalls++
		fmt.Fprint(w, `{"access":"fresh"}`)
	}), store)

	if state := m.State(); state != domain.SessionExpired {
		t.Errorf("Expected expired state before refresh, got %v", state)
	}

	got, err := m.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidToken failed: %v", err)
	}
	if got != "fresh" {
		t.Errorf("Expected refreshed token, got %q", got)
	}
	if refreshCalls != 1 {
		t.Errorf("Expected one refresh call, got %d", refreshCalls)
	}
	if store.session.AccessToken != "fresh" {
		t.Errorf("Expected refreshed token persisted, got %q", store.session.AccessToken)
	}
}

func TestRejectedRefreshInvalidatesSession(t *testing.T) {
	stale := signedToken(t, time.Now().Add(-time.Minute))
	store := &memStore{session: &domain.Session{AccessToken: stale, RefreshToken: "dead", Email: "s@e.c"}}
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"detail":"Token is invalid or expired"}`)
	}), store)

	_, err := m.EnsureValidToken(context.Background())
	var authErr *api.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected AuthError, got %v", err)
	}
	if state := m.State(); state != domain.SessionInvalid {
		t.Errorf("Expected invalid state after rejected refresh, got %v", state)
	}

	// A transient server error must not invalidate the session.
	store2 := &memStore{session: &domain.Session{AccessToken: stale, RefreshToken: "ref", Email: "s@e.c"}}
	m2 := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}), store2)
	_, err = m2.EnsureValidToken(context.Background())
	var netErr *api.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("Expected NetworkError, got %v", err)
	}
	if state := m2.State(); state != domain.SessionExpired {
		t.Errorf("Expected session to stay expired after transient failure, got %v", state)
	}
}

func TestLogoutDestroysSession(t *testing.T) {
	token := signedToken(t, time.Now().Add(time.Hour))
	store := &memStore{session: &domain.Session{AccessToken: token, RefreshToken: "ref", Email: "s@e.c"}}
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request %s %s during logout", r.Method, r.URL.Path)
	}), store)

	if err := m.Logout(); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if store.session != nil {
		t.Errorf("Expected session destroyed, got %+v", store.session)
	}
	if state := m.State(); state != domain.SessionUninitialized {
		t.Errorf("Expected uninitialized state after logout, got %v", state)
	}
	if m.Email() != "" {
		t.Errorf("Expected no email after logout, got %q", m.Email())
	}
}

func TestTokenWithoutExpiryIsTrustedLocally(t *testing.T) {
	// Opaque tokens have no readable exp claim; the server's 401 remains
	// the authority for those.
	store := &memStore{session: &domain.Session{AccessToken: "opaque", RefreshToken: "ref", Email: "s@e.c"}}
	m := newTestManager(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
	}), store)

	got, err := m.EnsureValidToken(context.Background())
	if err != nil {
		t.Fatalf("EnsureValidToken failed: %v", err)
	}
	if got != "opaque" {
		t.Errorf("Expected the opaque token back, got %q", got)
	}
}
