package domain

// SessionState is the lifecycle of an LMS session.
type SessionState int

const (
	// SessionUninitialized means no token pair has ever been stored.
	SessionUninitialized SessionState = iota
	// SessionValid means the access token has not expired.
	SessionValid
	// SessionExpired means the access token expired but a refresh token exists.
	SessionExpired
	// SessionInvalid means the refresh token was rejected; re-login required.
	SessionInvalid
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionValid:
		return "valid"
	case SessionExpired:
		return "expired"
	case SessionInvalid:
		return "invalid"
	}
	return "unknown"
}

// Session holds the token pair issued by the LMS for one user.
type Session struct {
	AccessToken  string
	RefreshToken string
	Email        string
}
