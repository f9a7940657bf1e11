// Package httpauth attaches credentials to outgoing dashboard requests and
// recovers from authorization failure with one bounded refresh-and-retry
// cycle. The cycle can never loop: a 401 triggers at most one refresh and one
// retransmission, and a second 401 escalates straight to logout and redirect.
package httpauth

import (
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/lanonasis/maas-auth/session"
	"github.com/lanonasis/maas-auth/tokenstore"
)

// SessionRefresher performs one credential refresh against whichever backend
// is authoritative. The auth orchestrator implements it.
type SessionRefresher interface {
	RefreshSession(ctx context.Context) (*session.Session, error)
}

// Transport is an http.RoundTripper that bearer-authenticates requests.
// Token priority: an explicit per-request Authorization header wins and is
// passed through untouched; otherwise a gateway-issued token, when a provider
// for one is configured; otherwise the token store.
type Transport struct {
	base          http.RoundTripper
	tokens        *tokenstore.Store
	refresher     SessionRefresher
	onAuthFailure func(returnPath string)
	gatewayToken  func() string
	group         singleflight.Group
	logger        zerolog.Logger
}

// Option modifies a Transport instance.
type Option func(*Transport)

// WithBase sets the underlying round tripper (http.DefaultTransport otherwise).
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) {
		t.base = rt
	}
}

// WithLogger overrides the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithAuthFailureHandler installs the escalation hook invoked with the path
// of the failing request, so the login entry point can restore it after
// re-authentication.
func WithAuthFailureHandler(fn func(returnPath string)) Option {
	return func(t *Transport) {
		t.onAuthFailure = fn
	}
}

// WithGatewayToken supplies a gateway-issued token that outranks the token
// store without replacing it.
func WithGatewayToken(fn func() string) Option {
	return func(t *Transport) {
		t.gatewayToken = fn
	}
}

// New creates a Transport.
func New(tokens *tokenstore.Store, refresher SessionRefresher, options ...Option) (*Transport, error) {
	if tokens == nil {
		return nil, errors.New("[httpauth.New] token store is required")
	}
	if refresher == nil {
		return nil, errors.New("[httpauth.New] refresher is required")
	}

	t := &Transport{
		base:      http.DefaultTransport,
		tokens:    tokens,
		refresher: refresher,
		logger:    log.Logger,
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Client returns an *http.Client that authenticates through t.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		// A per-call credential wins; the refresh cycle only manages tokens
		// this transport attached itself.
		return t.base.RoundTrip(req)
	}

	resp, err := t.base.RoundTrip(t.withBearer(req, t.currentToken()))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if req.Body != nil && req.GetBody == nil {
		// The body cannot be replayed; surface the 401 untouched.
		return resp, nil
	}
	drain(resp)

	// One bounded refresh-and-retry cycle. Concurrent 401s collapse into a
	// single refresh. The store is left untouched here: the refresher reads
	// the held refresh token from it, and only escalation clears state.
	fresh, err, _ := t.group.Do("refresh", func() (interface{}, error) {
		return t.refresher.RefreshSession(req.Context())
	})
	if err != nil {
		t.logger.Warn().Err(err).Str("path", req.URL.Path).Msg("refresh after 401 failed")
		t.escalate(req)
		return nil, errors.Wrap(err, "[Transport.RoundTrip] refresh after 401")
	}
	s := fresh.(*session.Session)

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, errors.Wrap(bodyErr, "[Transport.RoundTrip] replay body")
		}
		retry.Body = body
	}

	resp, err = t.base.RoundTrip(t.withBearer(retry, s.AccessToken))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Second 401: escalate straight to logout and redirect, no further
		// refresh.
		t.escalate(req)
	}
	return resp, nil
}

func (t *Transport) currentToken() string {
	if t.gatewayToken != nil {
		if token := t.gatewayToken(); token != "" {
			return token
		}
	}
	return t.tokens.AccessToken()
}

func (t *Transport) withBearer(req *http.Request, token string) *http.Request {
	r := req.Clone(req.Context())
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func (t *Transport) escalate(req *http.Request) {
	t.tokens.Clear()
	if t.onAuthFailure != nil {
		t.onAuthFailure(req.URL.RequestURI())
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
