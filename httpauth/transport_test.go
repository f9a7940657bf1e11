package httpauth_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanonasis/maas-auth/auth"
	"github.com/lanonasis/maas-auth/fallback"
	"github.com/lanonasis/maas-auth/httpauth"
	"github.com/lanonasis/maas-auth/session"
	"github.com/lanonasis/maas-auth/tokenstore"
)

type fakeRefresher struct {
	lock    sync.Mutex
	calls   int
	session *session.Session
	err     error
	tokens  *tokenstore.Store
}

func (f *fakeRefresher) RefreshSession(_ context.Context) (*session.Session, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	f.tokens.AdoptSession(f.session)
	return f.session, nil
}

func (f *fakeRefresher) callCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}

func newTransport(t *testing.T, tokens *tokenstore.Store, refresher *fakeRefresher, options ...httpauth.Option) *http.Client {
	t.Helper()
	transport, err := httpauth.New(tokens, refresher, options...)
	require.NoError(t, err)
	return transport.Client()
}

func TestRoundTripAttachesStoredToken(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{tokens: tokens}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer t1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := newTransport(t, tokens, refresher).Get(server.URL + "/api/keys")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, refresher.callCount())
}

func TestRoundTripExplicitAuthorizationPassthrough(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{tokens: tokens}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer per-call", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/api/keys", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer per-call")

	resp, err := newTransport(t, tokens, refresher).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// A per-call credential is never refreshed or retried.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, refresher.callCount())
	assert.Equal(t, "t1", tokens.AccessToken())
}

func TestRoundTripRefreshesOnceAndRetries(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{
		tokens:  tokens,
		session: &session.Session{AccessToken: "t2", RefreshToken: "r2"},
	}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			assert.Equal(t, "Bearer t1", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
		default:
			assert.Equal(t, "Bearer t2", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, `{"ok":true}`)
		}
	}))
	defer server.Close()

	resp, err := newTransport(t, tokens, refresher).Get(server.URL + "/api/keys")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, refresher.callCount())
	assert.Equal(t, "t2", tokens.AccessToken())
}

func TestRoundTripSecondUnauthorizedEscalates(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{
		tokens:  tokens,
		session: &session.Session{AccessToken: "t2"},
	}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var failedPath string
	client := newTransport(t, tokens, refresher,
		httpauth.WithAuthFailureHandler(func(returnPath string) { failedPath = returnPath }))

	resp, err := client.Get(server.URL + "/api/keys?page=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	// The cycle is bounded: one refresh, one retry, then escalation.
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, refresher.callCount())
	assert.Equal(t, "/api/keys?page=2", failedPath)
	assert.Empty(t, tokens.AccessToken())
}

func TestRoundTripRefreshFailureEscalates(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{tokens: tokens, err: session.ErrRefreshFailed}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	var failureCalls int
	client := newTransport(t, tokens, refresher,
		httpauth.WithAuthFailureHandler(func(string) { failureCalls++ }))

	_, err := client.Get(server.URL + "/api/keys")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrRefreshFailed))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, failureCalls)
	assert.Empty(t, tokens.AccessToken())
}

func TestRoundTripUnreplayableBodySurfaces401(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{
		tokens:  tokens,
		session: &session.Session{AccessToken: "t2"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/keys", nil)
	require.NoError(t, err)
	req.Body = io.NopCloser(strings.NewReader("streamed payload"))
	req.GetBody = nil

	resp, err := newTransport(t, tokens, refresher).Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, refresher.callCount())
}

func TestRoundTripReplaysBodyOnRetry(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{
		tokens:  tokens,
		session: &session.Session{AccessToken: "t2"},
	}

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"name":"key"}`, string(body))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	resp, err := newTransport(t, tokens, refresher).Post(
		server.URL+"/api/keys", "application/json", strings.NewReader(`{"name":"key"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRoundTripGatewayTokenOutranksStore(t *testing.T) {
	tokens := tokenstore.New()
	tokens.SetAccessToken("t1", 0)
	refresher := &fakeRefresher{tokens: tokens}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gw-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTransport(t, tokens, refresher,
		httpauth.WithGatewayToken(func() string { return "gw-token" }))

	resp, err := client.Get(server.URL + "/api/keys")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// identityBackend is an httptest fallback IdP holding one valid refresh
// grant. refreshStatus controls the /token answer.
func identityBackend(t *testing.T, tokenHits *atomic.Int32, refreshStatus int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "u1", "email": "u1@example.com"})
		case "/token":
			tokenHits.Add(1)
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "refresh-1", body["refresh_token"])
			if refreshStatus != http.StatusOK {
				w.WriteHeader(refreshStatus)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token":  "tok-2",
				"refresh_token": "refresh-2",
				"expires_in":    3600,
				"user":          map[string]string{"id": "u1"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func newAuthCore(t *testing.T, idpURL string) (*tokenstore.Store, *auth.Orchestrator, *http.Client) {
	t.Helper()

	tokens := tokenstore.New()
	tokens.SetAccessToken("tok-1", 0)
	tokens.SetRefreshToken("refresh-1")

	fb, err := fallback.New(idpURL, "anon-key", tokens)
	require.NoError(t, err)
	orch, err := auth.New(auth.Deps{Fallback: fb, Tokens: tokens}, auth.WithInitTimeout(time.Second))
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	require.NoError(t, orch.Initialize(context.Background()))
	require.Equal(t, auth.StateFallbackAuthoritative, orch.Snapshot().State)

	transport, err := httpauth.New(tokens, orch,
		httpauth.WithAuthFailureHandler(orch.HandleAuthFailure))
	require.NoError(t, err)
	return tokens, orch, transport.Client()
}

func TestRoundTripRefreshesThroughAdapter(t *testing.T) {
	var tokenHits atomic.Int32
	idp := identityBackend(t, &tokenHits, http.StatusOK)
	defer idp.Close()

	var apiHits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiHits.Add(1)
		if r.Header.Get("Authorization") != "Bearer tok-2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()

	tokens, orch, client := newAuthCore(t, idp.URL)

	// The adapter reads the refresh token from the shared store, so the
	// transport must not have wiped it before delegating.
	resp, err := client.Get(api.URL + "/api/keys")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), apiHits.Load())
	assert.Equal(t, int32(1), tokenHits.Load())
	assert.Equal(t, "tok-2", tokens.AccessToken())
	assert.Equal(t, "refresh-2", tokens.RefreshToken())
	assert.Equal(t, auth.StateFallbackAuthoritative, orch.Snapshot().State)
}

func TestRoundTripEscalationSignsOutEverywhere(t *testing.T) {
	var tokenHits atomic.Int32
	idp := identityBackend(t, &tokenHits, http.StatusBadRequest)
	defer idp.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	tokens, orch, client := newAuthCore(t, idp.URL)

	_, err := client.Get(api.URL + "/api/keys")
	require.Error(t, err)
	assert.True(t, errors.Is(err, session.ErrRefreshFailed))

	// No local trace of the session may survive an unrecoverable 401.
	snap := orch.Snapshot()
	assert.Equal(t, auth.StateUnauthenticated, snap.State)
	assert.Nil(t, snap.Session)
	assert.Nil(t, snap.Profile)
	assert.Empty(t, tokens.AccessToken())
	assert.Empty(t, tokens.RefreshToken())
	assert.Nil(t, tokens.User())
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := httpauth.New(nil, &fakeRefresher{})
	assert.Error(t, err)

	_, err = httpauth.New(tokenstore.New(), nil)
	assert.Error(t, err)
}
