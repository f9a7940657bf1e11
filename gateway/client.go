// Package gateway is the session-source adapter for the central auth gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/lanonasis/maas-auth/session"
	"github.com/lanonasis/maas-auth/tokenstore"
)

const defaultTimeout = 10 * time.Second

// Client talks to the central auth gateway. It resolves sessions from tokens
// the token store already holds; it never authenticates credentials itself,
// the gateway only signs users in through its hosted login redirect.
type Client struct {
	baseURL     string
	clientID    string
	redirectURI string
	tokens      *tokenstore.Store
	httpClient  *http.Client
	logger      zerolog.Logger
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

// New creates a gateway client. tokens supplies the held credentials that
// CurrentSession verifies and Refresh rotates.
func New(baseURL, clientID, redirectURI string, tokens *tokenstore.Store, options ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("[gateway.New] baseURL is required")
	}
	if tokens == nil {
		return nil, errors.New("[gateway.New] token store is required")
	}

	c := &Client{
		baseURL:     baseURL,
		clientID:    clientID,
		redirectURI: redirectURI,
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		logger:      log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Name identifies this source in logs and state snapshots.
func (c *Client) Name() string { return "gateway" }

// HealthCheck probes GET /health. It fails open: transport errors and
// timeouts report healthy, so an unreliable liveness probe can never block
// the login flow. Only an explicit non-2xx answer counts as unhealthy.
func (c *Client) HealthCheck(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("gateway health probe unreachable, assuming healthy")
		return true
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Int("status", resp.StatusCode).Msg("gateway reports unhealthy")
		return false
	}
	return true
}

type verifyResponse struct {
	User      session.User `json:"user"`
	ExpiresAt int64        `json:"expires_at"`
}

// CurrentSession verifies the held access token against GET /auth/verify and
// inflates a Session from the answer. No held token, or a token the gateway
// rejects, yields (nil, nil): "no session" is a state, not an error.
func (c *Client) CurrentSession(ctx context.Context) (*session.Session, error) {
	token := c.tokens.AccessToken()
	if token == "" {
		return nil, nil
	}

	resp, err := c.do(ctx, http.MethodGet, "/auth/verify", token, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Client.CurrentSession] verify request")
	}
	defer drain(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Errorf("[Client.CurrentSession] unexpected status %d", resp.StatusCode)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "[Client.CurrentSession] decode verify response")
	}

	s := &session.Session{
		AccessToken:  token,
		RefreshToken: c.tokens.RefreshToken(),
		User:         body.User,
	}
	if body.ExpiresAt > 0 {
		s.ExpiresAt = time.Unix(body.ExpiresAt, 0)
	}
	session.FillFromClaims(s)
	return s, nil
}

// Login never resolves credentials: the gateway authenticates through its
// hosted login page. The returned RedirectError carries the URL to navigate
// to.
func (c *Client) Login(_ context.Context, _, _ string) (*session.Session, error) {
	return nil, &session.RedirectError{URL: c.LoginURL(uuid.New().String())}
}

// SignUp defers to the hosted login page the same way Login does; the page
// offers registration itself.
func (c *Client) SignUp(_ context.Context, _, _ string) (*session.Session, error) {
	return nil, &session.RedirectError{URL: c.LoginURL(uuid.New().String())}
}

// LoginURL builds the hosted-login redirect for this client, tagged with the
// web platform so the gateway renders the right flow.
func (c *Client) LoginURL(state string) string {
	cfg := oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: c.redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL: c.baseURL + "/auth/login",
		},
	}
	return cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("platform", "web"))
}

type refreshResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	User         session.User `json:"user"`
}

// Refresh exchanges the held refresh token for a new session via
// POST /auth/refresh.
func (c *Client) Refresh(ctx context.Context) (*session.Session, error) {
	refreshToken := c.tokens.RefreshToken()
	if refreshToken == "" {
		return nil, errors.Wrap(session.ErrNoRefreshToken, "[Client.Refresh]")
	}

	payload, _ := json.Marshal(map[string]string{"refresh_token": refreshToken})
	resp, err := c.do(ctx, http.MethodPost, "/auth/refresh", "", payload)
	if err != nil {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "[Client.Refresh] %v", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "[Client.Refresh] status %d", resp.StatusCode)
	}

	var body refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrapf(session.ErrRefreshFailed, "[Client.Refresh] decode: %v", err)
	}
	if body.AccessToken == "" {
		return nil, errors.Wrap(session.ErrRefreshFailed, "[Client.Refresh] empty access token")
	}

	s := &session.Session{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		User:         body.User,
	}
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}
	if body.ExpiresIn > 0 {
		s.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	}
	session.FillFromClaims(s)
	return s, nil
}

// Logout revokes the current session via POST /auth/logout. Callers treat
// failures as best-effort; local state clears regardless.
func (c *Client) Logout(ctx context.Context) error {
	token := c.tokens.AccessToken()
	if token == "" {
		return nil
	}
	resp, err := c.do(ctx, http.MethodPost, "/auth/logout", token, nil)
	if err != nil {
		return errors.Wrap(err, "[Client.Logout] request")
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("[Client.Logout] status %d", resp.StatusCode)
	}
	return nil
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
