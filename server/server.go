// Package server is the thin BFF surface the dashboard frontend talks to. It
// exposes the orchestrator's observable state and forwards data-plane calls
// to the gateway through the authenticating transport. Presentation itself
// lives elsewhere; nothing here renders.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanonasis/maas-auth/auth"
	"github.com/lanonasis/maas-auth/internal/config"
	"github.com/lanonasis/maas-auth/session"
)

// Server routes frontend requests to the auth core.
type Server struct {
	mux       *http.ServeMux
	config    config.Config
	orch      *auth.Orchestrator
	apiClient *http.Client
	logger    zerolog.Logger
}

// New creates the BFF server. apiClient must authenticate through the
// httpauth transport so proxied calls get the bounded 401 recovery.
func New(cfg config.Config, orch *auth.Orchestrator, apiClient *http.Client) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		config:    cfg,
		orch:      orch,
		apiClient: apiClient,
		logger:    log.Logger,
	}
	s.initRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) initRoutes() {
	s.handle("GET /healthz", s.healthzHandler)
	s.handle("GET /session", s.sessionHandler)
	s.handle("POST /auth/signin", s.signInHandler)
	s.handle("POST /auth/signup", s.signUpHandler)
	s.handle("POST /auth/signout", s.signOutHandler)
	s.handle("/api/", s.proxyHandler)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, ChainMiddleware(h, s.RecoverMiddleware, s.LoggingMiddleware))
}

func (s *Server) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionView struct {
	State   auth.State       `json:"state"`
	Source  auth.Source      `json:"source"`
	Loading bool             `json:"loading"`
	User    *session.User    `json:"user,omitempty"`
	Profile *profileView     `json:"profile,omitempty"`
}

type profileView struct {
	ID       string `json:"id"`
	FullName string `json:"full_name,omitempty"`
	Email    string `json:"email,omitempty"`
	Role     string `json:"role"`
}

func (s *Server) sessionHandler(w http.ResponseWriter, _ *http.Request) {
	snap := s.orch.Snapshot()
	view := sessionView{
		State:   snap.State,
		Source:  snap.Source,
		Loading: snap.Loading,
	}
	if snap.Session.Active() {
		u := snap.Session.User
		view.User = &u
	}
	if snap.Profile != nil {
		view.Profile = &profileView{
			ID:       snap.Profile.ID,
			FullName: snap.Profile.FullName,
			Email:    snap.Profile.Email,
			Role:     snap.Profile.Role,
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type credentialsRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

func (s *Server) signInHandler(w http.ResponseWriter, r *http.Request) {
	s.credentialHandler(w, r, s.orch.SignIn)
}

func (s *Server) signUpHandler(w http.ResponseWriter, r *http.Request) {
	s.credentialHandler(w, r, s.orch.SignUp)
}

func (s *Server) credentialHandler(w http.ResponseWriter, r *http.Request, op func(context.Context, string, string) error) {
	var creds credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	err := op(r.Context(), creds.Identifier, creds.Secret)
	if err == nil {
		s.sessionHandler(w, r)
		return
	}

	var redirect *session.RedirectError
	if errors.As(err, &redirect) {
		// The gateway signs users in through its hosted page; hand the URL
		// to the frontend to navigate.
		writeJSON(w, http.StatusOK, map[string]string{"redirect_url": redirect.URL})
		return
	}

	s.logger.Warn().Err(err).Msg("credential operation failed")
	http.Error(w, "authentication failed", errorStatus(err))
}

func (s *Server) signOutHandler(w http.ResponseWriter, r *http.Request) {
	s.orch.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// proxyHandler forwards /api/* to the gateway through the authenticated
// client, so every dashboard data call shares one token-attachment and
// 401-recovery path.
func (s *Server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSuffix(s.config.GetGatewayBaseURL(), "/") + strings.TrimPrefix(r.URL.Path, "/api")
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad upstream request", http.StatusBadGateway)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	resp, err := s.apiClient.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Str("target", target).Msg("gateway proxy failed")
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrNoAuthority):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
