package web

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"github.com/huyvng/decksync/internal/api"
	"github.com/huyvng/decksync/internal/auth"
	"github.com/huyvng/decksync/internal/config"
	"github.com/huyvng/decksync/internal/deck"
	"github.com/huyvng/decksync/internal/domain"
	"github.com/huyvng/decksync/internal/progress"
	"github.com/huyvng/decksync/internal/storage"
	"github.com/huyvng/decksync/internal/syncer"
)

// fakeLMS answers the handful of endpoints the control surface exercises.
type fakeLMS struct {
	loginOK bool
}

func (f *fakeLMS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/accounts/login/":
		if !f.loginOK {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"detail":"Invalid credentials"}`)
			return
		}
		fmt.Fprint(w, `{"tokens":{"access":"acc","refresh":"ref"},"user":{}}`)
	case "/api/anki/my-decks/":
		fmt.Fprint(w, `[]`)
	case "/api/anki/progress/":
		fmt.Fprint(w, `{"status":"ok","synced_count":1,"session_id":1}`)
	default:
		http.NotFound(w, r)
	}
}

func newTestServer(t *testing.T, lms *fakeLMS) (*Server, *storage.DB) {
	t.Helper()
	lmsServer := httptest.NewServer(lms)
	t.Cleanup(lmsServer.Close)

	db, err := storage.Open(filepath.Join(t.TempDir(), "decksync.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.LMSURL = lmsServer.URL

	client := api.NewClient(cfg.LMSURL, 5*time.Second)
	authMgr := auth.NewManager(client, db)
	cache, err := progress.NewCache(db, client)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	sync := syncer.New(client, authMgr, db, cache, deck.NewInstaller(t.TempDir()))
	return NewServer(cfg, db, client, authMgr, cache, sync), db
}

func seedSession(t *testing.T, db *storage.DB) {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}
	if err := db.SaveSession(domain.Session{AccessToken: signed, RefreshToken: "ref", Email: "s@e.c"}); err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}
}

func do(t *testing.T, server *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func TestLoginEndpoint(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		server, db := newTestServer(t, &fakeLMS{loginOK: true})
		rec := do(t, server, http.MethodPost, "/login", `{"email":"s@e.c","password":"pw"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
		}
		session, _ := db.GetSession()
		if session == nil || session.Email != "s@e.c" {
			t.Errorf("Expected persisted session, got %+v", session)
		}
	})

	t.Run("bad credentials map to 401", func(t *testing.T) {
		server, _ := newTestServer(t, &fakeLMS{loginOK: false})
		rec := do(t, server, http.MethodPost, "/login", `{"email":"s@e.c","password":"wrong"}`)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("Expected 401, got %d", rec.Code)
		}
	})

	t.Run("missing fields map to 400", func(t *testing.T) {
		server, _ := newTestServer(t, &fakeLMS{loginOK: true})
		rec := do(t, server, http.MethodPost, "/login", `{"email":"s@e.c"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400, got %d", rec.Code)
		}
	})
}

func TestReviewEndpoint(t *testing.T) {
	server, db := newTestServer(t, &fakeLMS{})
	seedSession(t, db)
	if err := db.UpsertDeck(5, "Biology", 1, ""); err != nil {
		t.Fatalf("UpsertDeck failed: %v", err)
	}
	if err := db.SetDeckMapping("Biology", 5); err != nil {
		t.Fatalf("SetDeckMapping failed: %v", err)
	}

	rec := do(t, server, http.MethodPost, "/review", `{"deck_name":"Biology","card_id":"c1","ease":3,"time_ms":4200}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]bool
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp["tracked"] {
		t.Error("Expected review on mapped deck to be tracked")
	}

	rec = do(t, server, http.MethodPost, "/review", `{"deck_name":"Other","card_id":"c2","ease":3,"time_ms":100}`)
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["tracked"] {
		t.Error("Expected review on unmapped deck to be dropped")
	}

	count, _ := db.PendingReviewCount()
	if count != 1 {
		t.Errorf("Expected 1 cached review, got %d", count)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, db := newTestServer(t, &fakeLMS{})
	seedSession(t, db)
	if err := db.UpsertDeck(5, "Biology", 2, ""); err != nil {
		t.Fatalf("UpsertDeck failed: %v", err)
	}

	rec := do(t, server, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if resp.Session != "valid" {
		t.Errorf("Expected valid session, got %q", resp.Session)
	}
	if len(resp.Decks) != 1 || resp.Decks[0].Title != "Biology" || resp.Decks[0].LocalVersion != 2 {
		t.Errorf("Unexpected decks %+v", resp.Decks)
	}
	if resp.Pending.Total != 0 {
		t.Errorf("Expected no pending reviews, got %d", resp.Pending.Total)
	}
}

func TestSyncEndpoint(t *testing.T) {
	server, db := newTestServer(t, &fakeLMS{})
	seedSession(t, db)

	rec := do(t, server, http.MethodPost, "/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if _, ok := resp["result"]; !ok {
		t.Errorf("Expected a sync result, got %v", resp)
	}
}

func TestLogoutEndpoint(t *testing.T) {
	server, db := newTestServer(t, &fakeLMS{})
	seedSession(t, db)

	rec := do(t, server, http.MethodPost, "/logout", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	session, _ := db.GetSession()
	if session != nil {
		t.Errorf("Expected session destroyed, got %+v", session)
	}
}

func TestPingEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeLMS{})
	rec := do(t, server, http.MethodGet, "/ping", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	json.NewDecoder(rec.Body).Decode(&resp)
	if !resp["reachable"] {
		t.Error("Expected running LMS to be reachable")
	}
}

func TestSettingsEndpoint(t *testing.T) {
	server, _ := newTestServer(t, &fakeLMS{})
	rec := do(t, server, http.MethodGet, "/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["lms_url"] == "" {
		t.Errorf("Expected settings to include the LMS URL, got %v", resp)
	}
}
