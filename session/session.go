package session

import (
	"time"
)

// User is the identity carried inside a session, as reported by whichever
// backend issued it.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// Session is the normalized shape both the gateway and the fallback identity
// backend resolve to. A session is active only while AccessToken is non-empty;
// everything else is optional decoration.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	User         User      `json:"user"`
}

// Active reports whether the session holds a usable access token.
func (s *Session) Active() bool {
	return s != nil && s.AccessToken != ""
}

// ExpiresIn returns the remaining token lifetime, or zero when no expiry is
// known.
func (s *Session) ExpiresIn(now time.Time) time.Duration {
	if s == nil || s.ExpiresAt.IsZero() {
		return 0
	}
	return s.ExpiresAt.Sub(now)
}
