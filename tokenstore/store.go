// Package tokenstore holds credentials in process memory only. Nothing in
// this package writes tokens back to persistent storage; the one-way legacy
// migration exists to drain the old on-disk scheme, not to feed it.
package tokenstore

import (
	"sync"
	"time"

	"github.com/lanonasis/maas-auth/session"
)

// Store is the single mutable holder for the current access token, refresh
// token, and cached user. It is mutated by the auth orchestrator and the HTTP
// authenticator's refresh path; everything else reads.
type Store struct {
	lock         sync.RWMutex
	accessToken  string
	expiresAt    time.Time
	refreshToken string
	user         *session.User

	nowTime func() time.Time
}

// Option modifies a Store instance.
type Option func(*Store)

// WithNowTime sets the now time function (primarily for testing)
func WithNowTime(nowFunc func() time.Time) Option {
	return func(s *Store) {
		s.nowTime = nowFunc
	}
}

// New returns an empty Store.
func New(options ...Option) *Store {
	s := &Store{nowTime: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// SetAccessToken stores the access token. A zero expiresIn means the expiry is
// unknown and the token is served until overwritten or cleared.
func (s *Store) SetAccessToken(token string, expiresIn time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.accessToken = token
	if expiresIn > 0 {
		s.expiresAt = s.nowTime().Add(expiresIn)
	} else {
		s.expiresAt = time.Time{}
	}
}

// AccessToken returns the held access token, or "" when none is held or the
// held one has expired.
func (s *Store) AccessToken() string {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if !s.expiresAt.IsZero() && s.nowTime().After(s.expiresAt) {
		return ""
	}
	return s.accessToken
}

// SetRefreshToken stores the refresh token.
func (s *Store) SetRefreshToken(token string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.refreshToken = token
}

// RefreshToken returns the held refresh token, or "".
func (s *Store) RefreshToken() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.refreshToken
}

// SetUser caches the session user.
func (s *Store) SetUser(u *session.User) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.user = u
}

// User returns the cached session user, or nil.
func (s *Store) User() *session.User {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.user
}

// AdoptSession overwrites all three fields from a freshly resolved session in
// one critical section.
func (s *Store) AdoptSession(sess *session.Session) {
	if !sess.Active() {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	s.accessToken = sess.AccessToken
	s.expiresAt = sess.ExpiresAt
	if sess.RefreshToken != "" {
		s.refreshToken = sess.RefreshToken
	}
	u := sess.User
	s.user = &u
}

// Clear wipes the access token, refresh token, and cached user atomically. It
// runs on logout and on unrecoverable auth failure.
func (s *Store) Clear() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.accessToken = ""
	s.expiresAt = time.Time{}
	s.refreshToken = ""
	s.user = nil
}
