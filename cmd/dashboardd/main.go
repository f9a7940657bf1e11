package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog/log"

	"github.com/lanonasis/maas-auth/auth"
	"github.com/lanonasis/maas-auth/fallback"
	"github.com/lanonasis/maas-auth/gateway"
	"github.com/lanonasis/maas-auth/httpauth"
	"github.com/lanonasis/maas-auth/internal/config"
	"github.com/lanonasis/maas-auth/server"
	"github.com/lanonasis/maas-auth/sso"
	"github.com/lanonasis/maas-auth/tokenstore"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("error running server")
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c, err := config.New()
	if err != nil {
		return fmt.Errorf("config.New: %w", err)
	}
	displayAppname(c.GetAppName())

	orch, apiClient, err := buildAuthCore(c)
	if err != nil {
		return fmt.Errorf("buildAuthCore: %w", err)
	}
	defer orch.Close()

	initCtx, cancelInit := context.WithCancel(context.Background())
	defer cancelInit()
	if err := orch.Initialize(initCtx); err != nil {
		// Initialization settles unauthenticated on timeout; the dashboard
		// still serves, users just have to sign in.
		log.Warn().Err(err).Msg("auth initialization incomplete")
	}

	srv := &http.Server{Addr: c.GetPort(), Handler: server.New(c, orch, apiClient)}
	go listenAndServe(srv)
	waitForStopSignal()
	return shutdown(srv)
}

func buildAuthCore(c config.Config) (*auth.Orchestrator, *http.Client, error) {
	tokens := tokenstore.New()
	deps := auth.Deps{Tokens: tokens}

	if c.GetGatewayEnabled() {
		gw, err := gateway.New(c.GetGatewayBaseURL(), c.GetOAuthClientID(), c.GetLoginRedirectURI(), tokens)
		if err != nil {
			return nil, nil, err
		}
		deps.Gateway = gw
		deps.SSO = sso.New(c.GetGatewayBaseURL())
	}
	if c.GetFallbackEnabled() && c.GetFallbackBaseURL() != "" {
		fb, err := fallback.New(c.GetFallbackBaseURL(), c.GetFallbackAPIKey(), tokens)
		if err != nil {
			return nil, nil, err
		}
		deps.Fallback = fb
	}
	if path := c.GetLegacyCredentialsFile(); path != "" {
		deps.Legacy = tokenstore.NewFileLegacyStore(path)
	}

	orch, err := auth.New(deps)
	if err != nil {
		return nil, nil, err
	}

	transport, err := httpauth.New(tokens, orch,
		httpauth.WithAuthFailureHandler(orch.HandleAuthFailure),
	)
	if err != nil {
		return nil, nil, err
	}
	return orch, transport.Client(), nil
}

func listenAndServe(srv *http.Server) {
	log.Info().Str("addr", srv.Addr).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server.ListenAndServe")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
