// Package web exposes the control surface the host application's menu
// drives: login, sync, logout, review recording, and the status view.
// It listens on loopback only.
package web

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/huyvng/decksync/internal/api"
	"github.com/huyvng/decksync/internal/auth"
	"github.com/huyvng/decksync/internal/config"
	"github.com/huyvng/decksync/internal/progress"
	"github.com/huyvng/decksync/internal/storage"
	"github.com/huyvng/decksync/internal/syncer"
)

// Server holds the dependencies for the control HTTP server.
type Server struct {
	cfg    config.Config
	db     *storage.DB
	client *api.Client
	auth   *auth.Manager
	cache  *progress.Cache
	syncer *syncer.Syncer
	router chi.Router
}

// NewServer creates and configures a new control server.
func NewServer(cfg config.Config, db *storage.DB, client *api.Client, authMgr *auth.Manager, cache *progress.Cache, sync *syncer.Syncer) *Server {
	s := &Server{
		cfg:    cfg,
		db:     db,
		client: client,
		auth:   authMgr,
		cache:  cache,
		syncer: sync,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	// One local caller; the limiter just keeps a stuck host loop from
	// hammering the LMS through us.
	s.router.Use(throttle(rate.NewLimiter(rate.Limit(20), 40)))

	s.router.Post("/login", s.handleLogin())
	s.router.Post("/logout", s.handleLogout())
	s.router.Post("/sync", s.handleSync())
	s.router.Post("/tick", s.handleTick())
	s.router.Post("/review", s.handleReview())
	s.router.Get("/status", s.handleStatus())
	s.router.Get("/settings", s.handleSettings())
	s.router.Get("/ping", s.handlePing())
}

func throttle(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin exchanges credentials for a stored session.
func (s *Server) handleLogin() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Email == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "email and password are required")
			return
		}

		if err := s.auth.Login(r.Context(), req.Email, req.Password); err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "email": req.Email})
	}
}

// handleLogout destroys the stored session.
func (s *Server) handleLogout() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Logout(); err != nil {
			slog.Error("logout failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to clear session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// handleSync triggers a full sync in the foreground, like the menu action.
func (s *Server) handleSync() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := s.syncer.Sync(r.Context())
		if err != nil {
			// The result still reports what did succeed.
			slog.Warn("sync finished with errors", "error", err)
			writeJSON(w, http.StatusOK, map[string]any{
				"result": result,
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	}
}

// handleTick lets the host's event loop drive the threshold checks.
func (s *Server) handleTick() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.syncer.Tick(r.Context()); err != nil {
			slog.Warn("tick flush failed", "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type reviewRequest struct {
	DeckName string `json:"deck_name"`
	CardID   string `json:"card_id"`
	Ease     int    `json:"ease"`
	TimeMS   int64  `json:"time_ms"`
}

// handleReview records one answered card.
func (s *Server) handleReview() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.DeckName == "" || req.CardID == "" {
			writeError(w, http.StatusBadRequest, "deck_name and card_id are required")
			return
		}

		tracked, err := s.syncer.RecordReview(r.Context(), req.DeckName, req.CardID, req.Ease, req.TimeMS)
		if err != nil {
			slog.Error("failed to record review", "deck", req.DeckName, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to record review")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"tracked": tracked})
	}
}

type deckStatus struct {
	LMSDeckID    int64  `json:"lms_deck_id"`
	Title        string `json:"title"`
	LocalVersion int64  `json:"local_version"`
}

type statusResponse struct {
	Session string         `json:"session"`
	Email   string         `json:"email,omitempty"`
	Decks   []deckStatus   `json:"decks"`
	Pending progress.Stats `json:"pending"`
}

// handleStatus renders the status view: session state, tracked decks, and
// pending review counts.
func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		decks, err := s.db.GetAllDecks()
		if err != nil {
			slog.Error("failed to load decks for status", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load decks")
			return
		}
		stats, err := s.cache.Stats()
		if err != nil {
			slog.Error("failed to load pending stats", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to load pending reviews")
			return
		}

		resp := statusResponse{
			Session: s.auth.State().String(),
			Email:   s.auth.Email(),
			Decks:   make([]deckStatus, 0, len(decks)),
			Pending: stats,
		}
		for _, d := range decks {
			resp.Decks = append(resp.Decks, deckStatus{
				LMSDeckID:    d.LMSDeckID,
				Title:        d.Title,
				LocalVersion: d.LocalVersion,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleSettings reports the effective configuration.
func (s *Server) handleSettings() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"lms_url":         s.cfg.LMSURL,
			"db_path":         s.cfg.DBPath,
			"decks_dir":       s.cfg.DecksDir,
			"timeout_seconds": int(s.cfg.Timeout.Seconds()),
		})
	}
}

// handlePing checks LMS reachability, for the settings dialog.
func (s *Server) handlePing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"reachable": s.client.TestConnection(r.Context())})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// writeAPIError maps the client error taxonomy onto HTTP statuses for the
// host menu: auth failures need a re-login prompt, everything else is a
// transient notification.
func writeAPIError(w http.ResponseWriter, err error) {
	var authErr *api.AuthError
	if errors.As(err, &authErr) {
		writeError(w, http.StatusUnauthorized, authErr.Message)
		return
	}
	var netErr *api.NetworkError
	if errors.As(err, &netErr) {
		writeError(w, http.StatusBadGateway, netErr.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
