package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanonasis/maas-auth/gateway"
	"github.com/lanonasis/maas-auth/session"
	"github.com/lanonasis/maas-auth/tokenstore"
)

func newClient(t *testing.T, baseURL string, tokens *tokenstore.Store) *gateway.Client {
	t.Helper()
	c, err := gateway.New(baseURL, "maas-dashboard", "https://dashboard.lanonasis.com/callback", tokens)
	require.NoError(t, err)
	return c
}

func TestHealthCheckFailsOpen(t *testing.T) {
	tokens := tokenstore.New()

	// An unreachable probe must never report unhealthy.
	c := newClient(t, "http://127.0.0.1:1", tokens)
	assert.True(t, c.HealthCheck(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	// An explicit negative answer does.
	c = newClient(t, srv.URL, tokens)
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestCurrentSession(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/verify", r.URL.Path)
		gotAuth.Store(r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"user": map[string]string{"id": "u1", "email": "u1@example.com"},
		})
	}))
	defer srv.Close()

	tokens := tokenstore.New()
	tokens.SetAccessToken("tok-1", 0)
	tokens.SetRefreshToken("refresh-1")
	c := newClient(t, srv.URL, tokens)

	s, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	require.True(t, s.Active())
	assert.Equal(t, "Bearer tok-1", gotAuth.Load())
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, "tok-1", s.AccessToken)
	assert.Equal(t, "refresh-1", s.RefreshToken)
}

func TestCurrentSessionWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("no request expected when no token is held")
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, tokenstore.New())
	s, err := c.CurrentSession(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestCurrentSessionRejectedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := tokenstore.New()
	tokens.SetAccessToken("stale", 0)
	c := newClient(t, srv.URL, tokens)

	s, err := c.CurrentSession(context.Background())
	require.NoError(t, err, "a rejected token is no session, not an error")
	assert.Nil(t, s)
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/refresh", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "refresh-1", body["refresh_token"])
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "tok-2",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
			"user":          map[string]string{"id": "u1"},
		})
	}))
	defer srv.Close()

	tokens := tokenstore.New()
	tokens.SetRefreshToken("refresh-1")
	c := newClient(t, srv.URL, tokens)

	s, err := c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", s.AccessToken)
	assert.Equal(t, "refresh-2", s.RefreshToken)
	assert.False(t, s.ExpiresAt.IsZero())
}

func TestRefreshWithoutToken(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1", tokenstore.New())
	_, err := c.Refresh(context.Background())
	assert.True(t, errors.Is(err, session.ErrNoRefreshToken))
}

func TestRefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := tokenstore.New()
	tokens.SetRefreshToken("refresh-1")
	c := newClient(t, srv.URL, tokens)

	_, err := c.Refresh(context.Background())
	assert.True(t, errors.Is(err, session.ErrRefreshFailed))
}

func TestLoginRedirects(t *testing.T) {
	c := newClient(t, "https://api.lanonasis.com", tokenstore.New())

	_, err := c.Login(context.Background(), "u1@example.com", "secret")
	require.True(t, errors.Is(err, session.ErrRedirectRequired))

	var redirect *session.RedirectError
	require.True(t, errors.As(err, &redirect))

	u, parseErr := url.Parse(redirect.URL)
	require.NoError(t, parseErr)
	assert.Equal(t, "/auth/login", u.Path)
	q := u.Query()
	assert.Equal(t, "web", q.Get("platform"))
	assert.Equal(t, "maas-dashboard", q.Get("client_id"))
	assert.Equal(t, "https://dashboard.lanonasis.com/callback", q.Get("redirect_uri"))
	assert.NotEmpty(t, q.Get("state"))
}

func TestLogoutReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tokens := tokenstore.New()
	tokens.SetAccessToken("tok-1", 0)
	c := newClient(t, srv.URL, tokens)

	assert.Error(t, c.Logout(context.Background()))
}
