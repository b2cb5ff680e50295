package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/huyvng/decksync/internal/domain"
	_ "modernc.org/sqlite" // Registers the sqlite driver
)

// DB represents a wrapper around the SQL database connection.
type DB struct {
	conn *sql.DB
}

// Open creates a new database connection and ensures the schema is up to date.
// The parent directory is created if it does not exist.
func Open(dsn string) (*DB, error) {
	if dir := filepath.Dir(dsn); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Execute the schema to create tables if they don't exist.
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &DB{conn: db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// SaveSession stores the token pair, replacing any existing session.
func (db *DB) SaveSession(s domain.Session) error {
	_, err := db.conn.Exec(`
		INSERT INTO session (id, access_token, refresh_token, email)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			email = excluded.email
	`, s.AccessToken, s.RefreshToken, s.Email)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves the stored session, or nil when none exists.
func (db *DB) GetSession() (*domain.Session, error) {
	var s domain.Session
	row := db.conn.QueryRow(`
		SELECT access_token, refresh_token, email
		FROM session WHERE id = 1
	`)

	err := row.Scan(&s.AccessToken, &s.RefreshToken, &s.Email)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Never logged in
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// UpdateAccessToken replaces only the access token of the stored session.
func (db *DB) UpdateAccessToken(token string) error {
	_, err := db.conn.Exec(`
		UPDATE session SET access_token = ? WHERE id = 1
	`, token)
	if err != nil {
		return fmt.Errorf("failed to update access token: %w", err)
	}
	return nil
}

// ClearSession destroys the stored token pair. The row is overwritten with
// empty values before deletion so the secrets do not linger in the page.
func (db *DB) ClearSession() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin clear session: %w", err)
	}
	if _, err := tx.Exec(`UPDATE session SET access_token = '', refresh_token = '', email = '' WHERE id = 1`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to overwrite session: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM session WHERE id = 1`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear session: %w", err)
	}
	return nil
}

// DeckRecord represents a locally tracked deck row.
type DeckRecord struct {
	LMSDeckID     int64
	Title         string
	LocalVersion  int64
	InstalledPath sql.NullString
	UpdatedAt     sql.NullTime
}

// FindDeck retrieves a tracked deck by its LMS id, or nil when unknown.
func (db *DB) FindDeck(lmsDeckID int64) (*DeckRecord, error) {
	var d DeckRecord
	row := db.conn.QueryRow(`
		SELECT lms_deck_id, title, local_version, installed_path, updated_at
		FROM decks WHERE lms_deck_id = ?
	`, lmsDeckID)

	err := row.Scan(&d.LMSDeckID, &d.Title, &d.LocalVersion, &d.InstalledPath, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Deck not tracked yet
		}
		return nil, fmt.Errorf("failed to find deck %d: %w", lmsDeckID, err)
	}
	return &d, nil
}

// GetAllDecks retrieves every tracked deck.
func (db *DB) GetAllDecks() ([]DeckRecord, error) {
	rows, err := db.conn.Query(`
		SELECT lms_deck_id, title, local_version, installed_path, updated_at
		FROM decks ORDER BY lms_deck_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get decks: %w", err)
	}
	defer rows.Close()

	var decks []DeckRecord
	for rows.Next() {
		var d DeckRecord
		if err := rows.Scan(&d.LMSDeckID, &d.Title, &d.LocalVersion, &d.InstalledPath, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deck row: %w", err)
		}
		decks = append(decks, d)
	}
	return decks, rows.Err()
}

// UpsertDeck records a deck and its installed version after a successful
// download, or inserts the assignment with version 0 when first seen.
func (db *DB) UpsertDeck(lmsDeckID int64, title string, localVersion int64, installedPath string) error {
	_, err := db.conn.Exec(`
		INSERT INTO decks (lms_deck_id, title, local_version, installed_path, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(lms_deck_id) DO UPDATE SET
			title = excluded.title,
			local_version = excluded.local_version,
			installed_path = excluded.installed_path,
			updated_at = excluded.updated_at
	`, lmsDeckID, title, localVersion, installedPath, time.Now())
	if err != nil {
		return fmt.Errorf("failed to upsert deck %d: %w", lmsDeckID, err)
	}
	return nil
}

// LocalDeckVersion returns the installed version for a deck, 0 when the deck
// has never been downloaded.
func (db *DB) LocalDeckVersion(lmsDeckID int64) (int64, error) {
	deck, err := db.FindDeck(lmsDeckID)
	if err != nil {
		return 0, err
	}
	if deck == nil {
		return 0, nil
	}
	return deck.LocalVersion, nil
}

// SetDeckMapping maps a host deck name to an LMS deck id.
func (db *DB) SetDeckMapping(deckName string, lmsDeckID int64) error {
	_, err := db.conn.Exec(`
		INSERT INTO deck_mappings (deck_name, lms_deck_id)
		VALUES (?, ?)
		ON CONFLICT(deck_name) DO UPDATE SET lms_deck_id = excluded.lms_deck_id
	`, deckName, lmsDeckID)
	if err != nil {
		return fmt.Errorf("failed to set mapping for %q: %w", deckName, err)
	}
	return nil
}

// FindDeckMapping resolves a host deck name to its LMS deck id. Subdecks
// named "Parent::Child" fall back to the parent deck's mapping, so reviews
// on a subdeck count toward the deck the LMS assigned.
func (db *DB) FindDeckMapping(deckName string) (int64, bool, error) {
	id, ok, err := db.lookupMapping(deckName)
	if err != nil || ok {
		return id, ok, err
	}
	if idx := strings.Index(deckName, "::"); idx > 0 {
		return db.lookupMapping(deckName[:idx])
	}
	return 0, false, nil
}

func (db *DB) lookupMapping(deckName string) (int64, bool, error) {
	var id int64
	row := db.conn.QueryRow(`
		SELECT lms_deck_id FROM deck_mappings WHERE deck_name = ?
	`, deckName)
	err := row.Scan(&id)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to look up mapping for %q: %w", deckName, err)
	}
	return id, true, nil
}

// GetAllDeckMappings returns every host-deck-name to LMS-deck-id mapping.
func (db *DB) GetAllDeckMappings() (map[string]int64, error) {
	rows, err := db.conn.Query(`SELECT deck_name, lms_deck_id FROM deck_mappings`)
	if err != nil {
		return nil, fmt.Errorf("failed to get deck mappings: %w", err)
	}
	defer rows.Close()

	mappings := make(map[string]int64)
	for rows.Next() {
		var name string
		var id int64
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("failed to scan mapping row: %w", err)
		}
		mappings[name] = id
	}
	return mappings, rows.Err()
}

// InsertReview appends a review event to the pending cache.
func (db *DB) InsertReview(ev domain.ReviewEvent) error {
	_, err := db.conn.Exec(`
		INSERT INTO reviews (event_id, lms_deck_id, card_id, ease, time_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.LMSDeckID, ev.CardID, ev.Ease, ev.TimeMS, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to insert review %s: %w", ev.EventID, err)
	}
	return nil
}

// GetPendingReviews returns all cached reviews in recording order.
func (db *DB) GetPendingReviews() ([]domain.ReviewEvent, error) {
	rows, err := db.conn.Query(`
		SELECT event_id, lms_deck_id, card_id, ease, time_ms, recorded_at
		FROM reviews ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending reviews: %w", err)
	}
	defer rows.Close()

	var events []domain.ReviewEvent
	for rows.Next() {
		var ev domain.ReviewEvent
		if err := rows.Scan(&ev.EventID, &ev.LMSDeckID, &ev.CardID, &ev.Ease, &ev.TimeMS, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan review row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// DeleteReviews removes acknowledged events from the cache in a single
// transaction, so a batch is cleared all-or-nothing.
func (db *DB) DeleteReviews(eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin review delete: %w", err)
	}
	stmt, err := tx.Prepare(`DELETE FROM reviews WHERE event_id = ?`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare review delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range eventIDs {
		if _, err := stmt.Exec(id); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to delete review %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit review delete: %w", err)
	}
	return nil
}

// PendingReviewCount returns the total number of cached reviews.
func (db *DB) PendingReviewCount() (int, error) {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM reviews`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending reviews: %w", err)
	}
	return count, nil
}

// PendingReviewCountsByDeck returns the cached review count per LMS deck.
func (db *DB) PendingReviewCountsByDeck() (map[int64]int, error) {
	rows, err := db.conn.Query(`
		SELECT lms_deck_id, COUNT(*) FROM reviews GROUP BY lms_deck_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews by deck: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("failed to scan review count row: %w", err)
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// OldestPendingReview returns the recording time of the oldest cached review.
// The second return is false when the cache is empty.
func (db *DB) OldestPendingReview() (time.Time, bool, error) {
	var ts time.Time
	err := db.conn.QueryRow(`SELECT recorded_at FROM reviews ORDER BY rowid LIMIT 1`).Scan(&ts)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to get oldest pending review: %w", err)
	}
	return ts, true, nil
}
