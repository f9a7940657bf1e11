// Package sso exchanges a fresh access token for cookies on the gateway's
// parent domain so sibling subdomains share login state without re-running
// the authorization flow. The exchange is an optimization for other tabs and
// subdomains, never a correctness requirement for the current one: every
// operation here is best-effort and reports a bool instead of an error.
package sso

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultTimeout = 10 * time.Second

// Synchronizer drives the gateway's SSO cookie endpoints. Its HTTP client
// carries a cookie jar so the Set-Cookie answers from the exchange are
// retained for subsequent calls.
type Synchronizer struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// Option modifies a Synchronizer instance.
type Option func(*Synchronizer)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *Synchronizer) {
		s.httpClient = hc
	}
}

// WithLogger overrides the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Synchronizer) {
		s.logger = l
	}
}

// New creates a Synchronizer against the gateway base URL.
func New(baseURL string, options ...Option) *Synchronizer {
	jar, _ := cookiejar.New(nil)
	s := &Synchronizer{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: defaultTimeout, Jar: jar},
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Exchange trades the access token for cross-subdomain cookies. It returns
// false on any failure; failures are logged here and nowhere else. Callers
// own the at-most-once-per-token guarantee, this method is a plain single
// attempt.
func (s *Synchronizer) Exchange(ctx context.Context, accessToken string) bool {
	if accessToken == "" {
		return false
	}
	ok := s.post(ctx, "/auth/sso/exchange", accessToken)
	if !ok {
		s.logger.Warn().Msg("sso cookie exchange failed")
	}
	return ok
}

// Clear invalidates the cross-domain cookies. It runs on sign-out before
// anything else so a crash mid-signout never leaves stale cookies behind.
func (s *Synchronizer) Clear(ctx context.Context) bool {
	ok := s.post(ctx, "/auth/sso/clear", "")
	if !ok {
		s.logger.Warn().Msg("sso cookie clear failed")
	}
	return ok
}

func (s *Synchronizer) post(ctx context.Context, path, bearer string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, nil)
	if err != nil {
		return false
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}
