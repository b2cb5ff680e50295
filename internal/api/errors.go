package api

import "fmt"

// AuthError indicates the LMS rejected the credentials or token pair.
// The user must log in again.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth rejected (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("auth rejected: %s", e.Message)
}

// NetworkError indicates a transient failure talking to the LMS. It is never
// fatal; the operation is retried on the next sync trigger.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// VersionConflictError indicates the server reported a deck version conflict.
// It is unexpected and handled like a transient failure.
type VersionConflictError struct {
	LMSDeckID int64
	Message   string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict for deck %d: %s", e.LMSDeckID, e.Message)
}
