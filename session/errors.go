package session

import "errors"

// Error taxonomy for the auth lifecycle. Adapters and the orchestrator wrap
// these so callers can branch with errors.Is regardless of which backend
// produced the failure.
var (
	// Sign-in / sign-up errors, surfaced to the caller.
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRedirectRequired     = errors.New("login requires redirect")

	// Token lifecycle errors.
	ErrNoRefreshToken = errors.New("no refresh token held")
	ErrRefreshFailed  = errors.New("refresh failed")

	// Orchestrator state errors.
	ErrInitTimeout = errors.New("initialization timed out")
	ErrNoAuthority = errors.New("no authoritative auth source")
)

// RedirectError instructs the caller to navigate to a hosted login page
// instead of expecting a session back from credentials. The gateway adapter
// returns it from Login, since the gateway only authenticates via redirect.
type RedirectError struct {
	URL string
}

func (e *RedirectError) Error() string {
	return "login requires redirect to " + e.URL
}

// Is makes errors.Is(err, ErrRedirectRequired) match.
func (e *RedirectError) Is(target error) bool {
	return target == ErrRedirectRequired
}
