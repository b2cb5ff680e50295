package domain

import "time"

// Ease is the user's response to a card, matching the host application's
// answer buttons.
type Ease int

const (
	EaseAgain Ease = 1
	EaseHard  Ease = 2
	EaseGood  Ease = 3
	EaseEasy  Ease = 4
)

// ReviewEvent records a single study action on one card.
type ReviewEvent struct {
	EventID    string // idempotency key, assigned at record time
	LMSDeckID  int64
	CardID     string
	Ease       int
	TimeMS     int64 // time spent answering, milliseconds
	RecordedAt time.Time
}

// DeckAssignment describes one deck the LMS has assigned to the student.
// Created and versioned by the server; read-only on the client.
type DeckAssignment struct {
	LMSDeckID int64
	Title     string
	Version   int64
	UpdatedAt time.Time
}
