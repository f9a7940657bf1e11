package auth

import (
	"context"

	"github.com/lanonasis/maas-auth/session"
)

// SessionSource is one authentication backend the orchestrator can treat as
// authoritative for the current user.
type SessionSource interface {
	// Name identifies the source in logs and snapshots.
	Name() string

	// HealthCheck is best-effort and never fails hard. Each source defines
	// its own bias for an inconclusive probe; the gateway reads "cannot
	// determine" as healthy so a flaky probe never blocks the login flow.
	HealthCheck(ctx context.Context) bool

	// CurrentSession verifies any held token and inflates a session from it.
	// (nil, nil) means "no session"; errors are reserved for truly unexpected
	// states.
	CurrentSession(ctx context.Context) (*session.Session, error)

	// Login resolves credentials into a session, fails with
	// session.ErrInvalidCredentials, or returns a session.RedirectError when
	// the source only authenticates through a hosted page.
	Login(ctx context.Context, identifier, secret string) (*session.Session, error)

	// Refresh exchanges the held refresh token for a new session, failing
	// with session.ErrRefreshFailed when none exists or the backend rejects it.
	Refresh(ctx context.Context) (*session.Session, error)

	// Logout revokes the upstream session. Callers treat it as best-effort.
	Logout(ctx context.Context) error
}

// SessionNotifier is implemented by sources that push session transitions.
// The callback receives the new session, or nil on sign-out; the returned
// cancel function tears the subscription down.
type SessionNotifier interface {
	OnSessionChange(fn func(*session.Session)) (cancel func(), err error)
}

// UserRegistrar is implemented by sources that register users directly.
type UserRegistrar interface {
	SignUp(ctx context.Context, identifier, secret string) (*session.Session, error)
}

// Synchronizer mirrors the session into the cross-subdomain cookie store.
// Both operations are best-effort by contract.
type Synchronizer interface {
	Exchange(ctx context.Context, accessToken string) bool
	Clear(ctx context.Context) bool
}
