package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/huyvng/decksync/internal/domain"
)

const (
	loginEndpoint    = "/api/accounts/login/"
	refreshEndpoint  = "/api/accounts/token/refresh/"
	myDecksEndpoint  = "/api/anki/my-decks/"
	deckEndpoint     = "/api/anki/deck/%d/download/"
	progressEndpoint = "/api/anki/progress/"
	pingEndpoint     = "/api/"
)

// Response headers set by the deck download endpoint.
const (
	headerDeckID      = "X-LMS-Deck-ID"
	headerDeckVersion = "X-LMS-Deck-Version"
)

// TokenSource supplies bearer tokens for authenticated calls and refreshes
// them when the server answers 401.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client talks to the LMS HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// NewClient creates a client for the LMS at baseURL. All requests share the
// given timeout so a slow server cannot stall the caller indefinitely.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetTokenSource wires the source of bearer tokens for authenticated calls.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// TokenPair is the access/refresh pair issued on login.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Tokens TokenPair      `json:"tokens"`
	User   map[string]any `json:"user"`
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (TokenPair, error) {
	var resp loginResponse
	err := c.doJSON(ctx, "login", http.MethodPost, loginEndpoint, loginRequest{Email: email, Password: password}, false, &resp)
	if err != nil {
		return TokenPair{}, err
	}
	if resp.Tokens.Access == "" || resp.Tokens.Refresh == "" {
		return TokenPair{}, &AuthError{Message: "login response missing tokens"}
	}
	return resp.Tokens, nil
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// An AuthError means the refresh token itself was rejected.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (string, error) {
	var resp refreshResponse
	err := c.doJSON(ctx, "refresh token", http.MethodPost, refreshEndpoint, refreshRequest{Refresh: refreshToken}, false, &resp)
	if err != nil {
		return "", err
	}
	if resp.Access == "" {
		return "", &AuthError{Message: "refresh response missing access token"}
	}
	return resp.Access, nil
}

type assignmentDTO struct {
	LMSDeckID int64  `json:"lms_deck_id"`
	Title     string `json:"title"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

// MyDecks lists the decks assigned to the logged-in student.
func (c *Client) MyDecks(ctx context.Context) ([]domain.DeckAssignment, error) {
	var dtos []assignmentDTO
	if err := c.doJSON(ctx, "list decks", http.MethodGet, myDecksEndpoint, nil, true, &dtos); err != nil {
		return nil, err
	}

	assignments := make([]domain.DeckAssignment, 0, len(dtos))
	for _, dto := range dtos {
		a := domain.DeckAssignment{
			LMSDeckID: dto.LMSDeckID,
			Title:     dto.Title,
			Version:   dto.Version,
		}
		if ts, err := time.Parse(time.RFC3339, dto.UpdatedAt); err == nil {
			a.UpdatedAt = ts
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// DeckDownload describes the package stream returned by DownloadDeck.
type DeckDownload struct {
	Body      io.ReadCloser
	LMSDeckID int64
	Version   int64
}

// DownloadDeck streams the .apkg package for a deck. The caller must close
// the body. The deck id and version echoed in the response headers identify
// exactly what was served.
func (c *Client) DownloadDeck(ctx context.Context, lmsDeckID int64) (*DeckDownload, error) {
	endpoint := fmt.Sprintf(deckEndpoint, lmsDeckID)
	resp, err := c.doRaw(ctx, "download deck", endpoint, false)
	if err != nil {
		var vc *VersionConflictError
		if errors.As(err, &vc) {
			vc.LMSDeckID = lmsDeckID
		}
		return nil, err
	}

	dl := &DeckDownload{
		Body:      resp.Body,
		LMSDeckID: lmsDeckID,
		Version:   1,
	}
	if v, err := strconv.ParseInt(resp.Header.Get(headerDeckID), 10, 64); err == nil {
		dl.LMSDeckID = v
	}
	if v, err := strconv.ParseInt(resp.Header.Get(headerDeckVersion), 10, 64); err == nil {
		dl.Version = v
	}
	return dl, nil
}

type reviewDTO struct {
	EventID   string `json:"event_id"`
	CardID    string `json:"card_id"`
	Ease      int    `json:"ease"`
	TimeMS    int64  `json:"time_ms"`
	Timestamp int64  `json:"timestamp"`
}

type progressRequest struct {
	LMSDeckID int64       `json:"lms_deck_id"`
	Reviews   []reviewDTO `json:"reviews"`
}

// ProgressResult is the server's acknowledgment of an uploaded batch.
type ProgressResult struct {
	Status      string `json:"status"`
	SyncedCount int    `json:"synced_count"`
	SessionID   int64  `json:"session_id"`
}

// SubmitProgress uploads a batch of reviews for one deck. Events carry their
// idempotency ids, so replaying the same batch after a failed attempt cannot
// double-count.
func (c *Client) SubmitProgress(ctx context.Context, lmsDeckID int64, events []domain.ReviewEvent) (*ProgressResult, error) {
	req := progressRequest{LMSDeckID: lmsDeckID, Reviews: make([]reviewDTO, 0, len(events))}
	for _, ev := range events {
		req.Reviews = append(req.Reviews, reviewDTO{
			EventID:   ev.EventID,
			CardID:    ev.CardID,
			Ease:      ev.Ease,
			TimeMS:    ev.TimeMS,
			Timestamp: ev.RecordedAt.Unix(),
		})
	}

	var result ProgressResult
	if err := c.doJSON(ctx, "submit progress", http.MethodPost, progressEndpoint, req, true, &result); err != nil {
		var vc *VersionConflictError
		if errors.As(err, &vc) {
			vc.LMSDeckID = lmsDeckID
		}
		return nil, err
	}
	return &result, nil
}

// TestConnection reports whether the LMS API root is reachable.
func (c *Client) TestConnection(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pingEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// doJSON performs one JSON request. Authenticated calls that answer 401 are
// retried once after a token refresh.
func (c *Client) doJSON(ctx context.Context, op, method, endpoint string, payload any, authed bool, out any) error {
	return c.requestJSON(ctx, op, method, endpoint, payload, authed, out, false)
}

func (c *Client) requestJSON(ctx context.Context, op, method, endpoint string, payload any, authed bool, out any, retried bool) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("encode request: %w", err)}
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token, err := c.bearerToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := readErrorMessage(resp.Body)
		if resp.StatusCode == http.StatusUnauthorized && authed && !retried {
			if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
				return rerr
			}
			return c.requestJSON(ctx, op, method, endpoint, payload, authed, out, true)
		}
		return statusError(op, resp.StatusCode, msg)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// doRaw performs one authenticated binary request, with the same single
// refresh-and-retry behavior as doJSON. The caller owns the response body.
func (c *Client) doRaw(ctx context.Context, op, endpoint string, retried bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/octet-stream")

	token, err := c.bearerToken(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized && !retried {
			if _, rerr := c.tokens.Refresh(ctx); rerr != nil {
				return nil, rerr
			}
			return c.doRaw(ctx, op, endpoint, true)
		}
		return nil, statusError(op, resp.StatusCode, msg)
	}
	return resp, nil
}

func (c *Client) bearerToken(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", &AuthError{Message: "not logged in"}
	}
	return c.tokens.AccessToken(ctx)
}

func statusError(op string, code int, msg string) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: code, Message: msg}
	case http.StatusConflict:
		return &VersionConflictError{Message: msg}
	default:
		return &NetworkError{Op: op, Err: fmt.Errorf("server returned %d: %s", code, msg)}
	}
}

// readErrorMessage extracts a human-readable message from an error body.
// Django-style bodies carry it under "detail" or "error".
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var parsed struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Detail != "" {
			return parsed.Detail
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(raw))
}
