// Package fallback is the session-source adapter for the fallback identity
// backend, used when the central gateway cannot vouch for the user. Unlike the
// gateway it resolves credentials directly and can push session changes.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanonasis/maas-auth/session"
	"github.com/lanonasis/maas-auth/tokenstore"
)

const defaultTimeout = 10 * time.Second

// Client talks to the fallback identity backend's token-grant API.
type Client struct {
	baseURL    string
	apiKey     string
	tokens     *tokenstore.Store
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     zerolog.Logger
}

// Option modifies a Client instance.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger overrides the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// New creates a fallback client. apiKey is the backend's public API key, sent
// with every request.
func New(baseURL, apiKey string, tokens *tokenstore.Store, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[fallback.New] baseURL is required")
	}
	if tokens == nil {
		return nil, errors.New("[fallback.New] token store is required")
	}

	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
		dialer:     defaultDialer(),
		logger:     log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Name identifies this source in logs and state snapshots.
func (c *Client) Name() string { return "fallback" }

// HealthCheck probes GET /health. The fallback probe fails closed; the
// fail-open asymmetry belongs to the gateway alone.
func (c *Client) HealthCheck(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("fallback health probe failed")
		return false
	}
	defer drain(resp)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// CurrentSession inflates a session from the held access token via GET /user.
// No held token, or one the backend rejects, yields (nil, nil).
func (c *Client) CurrentSession(ctx context.Context) (*session.Session, error) {
	token := c.tokens.AccessToken()
	if token == "" {
		return nil, nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/user", token, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.CurrentSession] user request")
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("[Client.CurrentSession] unexpected status %d", resp.StatusCode)
	}

	var user session.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, errors.Wrap(err, "[Client.CurrentSession] decode user")
	}

	s := &session.Session{
		AccessToken:  token,
		RefreshToken: c.tokens.RefreshToken(),
		User:         user,
	}
	session.FillFromClaims(s)
	return s, nil
}

// Login performs a password grant against POST /token. Rejected credentials
// surface as session.ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, identifier, secret string) (*session.Session, error) {
	payload, _ := json.Marshal(map[string]string{"email": identifier, "password": secret})
	resp, err := c.do(ctx, http.MethodPost, "/token?grant_type=password", "", payload)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.Login] token request")
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, errors.Wrap(session.ErrInvalidCredentials, "[Client.Login]")
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("[Client.Login] unexpected status %d", resp.StatusCode)
	}
	return decodeGrant(resp.Body, "[Client.Login]")
}

// SignUp registers a new user via POST /signup and resolves the initial
// session when the backend issues one immediately.
func (c *Client) SignUp(ctx context.Context, identifier, secret string) (*session.Session, error) {
	payload, _ := json.Marshal(map[string]string{"email": identifier, "password": secret})
	resp, err := c.do(ctx, http.MethodPost, "/signup", "", payload)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.SignUp] signup request")
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, errors.Wrap(session.ErrInvalidCredentials, "[Client.SignUp]")
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, errors.Errorf("[Client.SignUp] unexpected status %d", resp.StatusCode)
	}

	var body grantResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "[Client.SignUp] decode grant")
	}
	if body.AccessToken == "" {
		// The backend confirms the account out-of-band; no session yet.
		return nil, nil
	}
	return body.session(), nil
}

// Refresh rotates the held refresh token via POST /token.
func (c *Client) Refresh(ctx context.Context) (*session.Session, error) {
	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		return nil, errors.Wrap(session.ErrNoRefreshToken, "[Client.Refresh]")
	}

	payload, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	resp, err := c.do(ctx, http.MethodPost, "/token?grant_type=refresh_token", "", payload)
	if err != nil {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "[Client.Refresh] %v", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "[Client.Refresh] status %d", resp.StatusCode)
	}
	s, err := decodeGrant(resp.Body, "[Client.Refresh]")
	if err != nil {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "%v", err)
	}
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}
	return s, nil
}

// Logout revokes the session via POST /logout. Best-effort for callers.
func (c *Client) Logout(ctx context.Context) error {
	token := c.tokens.AccessToken()
	if token == "" {
		return nil
	}
	resp, err := c.do(ctx, http.MethodPost, "/logout", token, nil)
	if err != nil {
		return errors.Wrap(err, "[Client.Logout] request")
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("[Client.Logout] status %d", resp.StatusCode)
	}
	return nil
}

type grantResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	User         session.User `json:"user"`
}

func (g grantResponse) session() *session.Session {
	s := &session.Session{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		User:         g.User,
	}
	if g.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(g.ExpiresIn) * time.Second)
	}
	session.FillFromClaims(s)
	return s
}

func decodeGrant(r io.Reader, context string) (*session.Session, error) {
	var body grantResponse
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return nil, errors.Wrap(err, context+" decode grant")
	}
	if body.AccessToken == "" {
		return nil, errors.New(context + " empty access token")
	}
	return body.session(), nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Request-ID", uuid.New().String())
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.httpClient.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
