package storage

const schema = `
-- The 'session' table holds the token pair for the logged-in user.
-- It contains at most one row (id = 1).
CREATE TABLE IF NOT EXISTS session (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    email TEXT NOT NULL
);

-- The 'decks' table tracks locally installed LMS decks and their versions.
CREATE TABLE IF NOT EXISTS decks (
    lms_deck_id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    local_version INTEGER NOT NULL DEFAULT 0,
    installed_path TEXT,
    updated_at DATETIME
);

-- The 'deck_mappings' table maps host-application deck names to LMS deck ids.
CREATE TABLE IF NOT EXISTS deck_mappings (
    deck_name TEXT PRIMARY KEY,
    lms_deck_id INTEGER NOT NULL,

    FOREIGN KEY(lms_deck_id) REFERENCES decks(lms_deck_id)
);

-- The 'reviews' table is the pending progress cache. Rows are inserted when
-- a card is answered and deleted only after the server acknowledges them.
CREATE TABLE IF NOT EXISTS reviews (
    event_id TEXT PRIMARY KEY,
    lms_deck_id INTEGER NOT NULL,
    card_id TEXT NOT NULL,
    ease INTEGER NOT NULL,
    time_ms INTEGER NOT NULL,
    recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reviews_deck ON reviews(lms_deck_id);
`
