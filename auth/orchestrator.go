// Package auth owns the session lifecycle for the dashboard: it decides which
// backend is authoritative for the current user, adopts that backend's
// session into the in-memory token store, and drives the side effects of each
// sign-in and sign-out transition.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lanonasis/maas-auth/profile"
	"github.com/lanonasis/maas-auth/session"
	"github.com/lanonasis/maas-auth/tokenstore"
)

// State is the orchestrator's lifecycle position.
type State string

const (
	StateUninitialized         State = "uninitialized"
	StateInitializing          State = "initializing"
	StateGatewayAuthoritative  State = "gateway_authoritative"
	StateFallbackAuthoritative State = "fallback_authoritative"
	StateUnauthenticated       State = "unauthenticated"
	StateReinitializing        State = "reinitializing"
)

// Source tags which backend is the source of truth for the active session.
// It is decided once per initialization pass and only changes through an
// explicit Reinitialize.
type Source string

const (
	SourceGateway  Source = "gateway"
	SourceFallback Source = "fallback"
	SourceNone     Source = "none"
)

const (
	defaultInitTimeout       = 15 * time.Second
	defaultSideEffectTimeout = 10 * time.Second
)

// Deps holds all collaborator dependencies for the Orchestrator.
type Deps struct {
	Gateway  SessionSource         // nil when the gateway path is disabled
	Fallback SessionSource         // nil when the fallback path is disabled
	Tokens   *tokenstore.Store     // required
	Profiles profile.Store         // optional external profile collaborator
	SSO      Synchronizer          // optional cross-subdomain cookie sync
	Legacy   tokenstore.LegacyStore // optional legacy credential source
}

// Snapshot is the observable auth state handed to subscribers.
type Snapshot struct {
	State   State
	Source  Source
	Session *session.Session
	Profile *profile.Profile
	Loading bool
}

// Orchestrator is the state machine owning the observable session, user, and
// profile. All mutation of the token store flows through it, or through the
// HTTP authenticator's refresh path which delegates back here.
type Orchestrator struct {
	deps              Deps
	logger            zerolog.Logger
	initTimeout       time.Duration
	sideEffectTimeout time.Duration

	lock            sync.RWMutex
	state           State
	source          Source
	current         *session.Session
	prof            *profile.Profile
	loading         bool
	lastSyncedToken string
	migrated        bool
	unsubscribe     func()
	subscribers     map[int]func(Snapshot)
	nextSubID       int
	closed          bool

	wg sync.WaitGroup
}

// Option modifies an Orchestrator instance.
type Option func(*Orchestrator)

// WithLogger overrides the default logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithInitTimeout overrides the hard initialization timeout. The bound is
// independent of any transport-level timeout so a hung network call can never
// leave the orchestrator loading forever.
func WithInitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.initTimeout = d
	}
}

// WithSideEffectTimeout bounds the fire-and-forget profile and SSO calls.
func WithSideEffectTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.sideEffectTimeout = d
	}
}

// New creates an Orchestrator in the Uninitialized state.
func New(deps Deps, options ...Option) (*Orchestrator, error) {
	if deps.Tokens == nil {
		return nil, errors.New("[auth.New] token store is required")
	}

	o := &Orchestrator{
		deps:              deps,
		logger:            log.Logger,
		initTimeout:       defaultInitTimeout,
		sideEffectTimeout: defaultSideEffectTimeout,
		state:             StateUninitialized,
		source:            SourceNone,
		subscribers:       make(map[int]func(Snapshot)),
	}
	for _, opt := range options {
		opt(o)
	}
	return o, nil
}

type initResult struct {
	source    Source
	sess      *session.Session
	subscribe bool
}

// Initialize runs one authority-selection pass: migrate legacy tokens, probe
// the gateway, fall back to the fallback backend, settle unauthenticated
// otherwise. Exactly one terminal state is reached and Loading() turns false
// within the hard timeout even if every network call hangs; a pass finishing
// after the timeout is discarded.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.lock.Lock()
	if o.state != StateUninitialized && o.state != StateReinitializing {
		o.lock.Unlock()
		return errors.New("[Orchestrator.Initialize] already initialized")
	}
	o.state = StateInitializing
	o.loading = true
	o.lock.Unlock()
	o.notify()

	ctx, cancel := context.WithTimeout(ctx, o.initTimeout)
	defer cancel()

	var settleOnce sync.Once
	done := make(chan struct{})
	go func() {
		defer close(done)
		r := o.initPass(ctx)
		settleOnce.Do(func() { o.applyInit(r) })
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		settleOnce.Do(func() {
			o.settle(StateUnauthenticated, SourceNone)
		})
		return errors.Wrap(session.ErrInitTimeout, "[Orchestrator.Initialize]")
	}
}

// Reinitialize tears the current pass down and runs authority selection
// again. This is the only route by which the authoritative source may change.
func (o *Orchestrator) Reinitialize(ctx context.Context) error {
	o.lock.Lock()
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.state = StateReinitializing
	o.source = SourceNone
	o.current = nil
	o.prof = nil
	o.lastSyncedToken = ""
	o.lock.Unlock()
	if unsub != nil {
		unsub()
	}
	return o.Initialize(ctx)
}

func (o *Orchestrator) initPass(ctx context.Context) initResult {
	o.migrateOnce()

	if o.deps.Gateway != nil && o.deps.Gateway.HealthCheck(ctx) {
		s, err := o.deps.Gateway.CurrentSession(ctx)
		if err != nil {
			o.logger.Warn().Err(err).Msg("gateway session fetch failed")
		}
		if s.Active() {
			// The gateway vouched for the user: no fallback probing.
			return initResult{source: SourceGateway, sess: s}
		}
	}

	if o.deps.Fallback != nil {
		s, err := o.deps.Fallback.CurrentSession(ctx)
		if err != nil {
			o.logger.Warn().Err(err).Msg("fallback session fetch failed")
		}
		if s.Active() {
			return initResult{source: SourceFallback, sess: s}
		}
		// Stay unauthenticated but listen for a sign-in event.
		return initResult{source: SourceFallback, subscribe: true}
	}

	if o.deps.Gateway != nil {
		// Nothing vouched for the user; the gateway remains the authority
		// for a future redirect-based sign-in.
		return initResult{source: SourceGateway}
	}
	return initResult{source: SourceNone}
}

func (o *Orchestrator) applyInit(r initResult) {
	if r.sess.Active() {
		o.adopt(r.source, r.sess)
		o.afterSignIn(r.sess)
		return
	}
	// Settle before opening the stream: a sign-in pushed during subscription
	// must land on the terminal state, not get overwritten by it.
	o.settle(StateUnauthenticated, r.source)
	if r.subscribe {
		o.subscribeFallback()
	}
}

func (o *Orchestrator) migrateOnce() {
	o.lock.Lock()
	migrated := o.migrated
	o.migrated = true
	o.lock.Unlock()
	if migrated {
		return
	}
	if err := o.deps.Tokens.MigrateFromLegacy(o.deps.Legacy); err != nil {
		o.logger.Warn().Err(err).Msg("legacy token migration failed")
	}
}

func (o *Orchestrator) subscribeFallback() {
	notifier, ok := o.deps.Fallback.(SessionNotifier)
	if !ok {
		return
	}
	cancel, err := notifier.OnSessionChange(o.handleSessionChange)
	if err != nil {
		o.logger.Warn().Err(err).Msg("fallback session stream unavailable")
		return
	}
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		cancel()
		return
	}
	o.unsubscribe = cancel
	o.lock.Unlock()
}

func (o *Orchestrator) handleSessionChange(s *session.Session) {
	if s == nil {
		o.clearLocal()
		return
	}
	o.adopt(SourceFallback, s)
	o.afterSignIn(s)
}

func (o *Orchestrator) adopt(src Source, s *session.Session) {
	o.deps.Tokens.AdoptSession(s)

	o.lock.Lock()
	o.current = s
	o.source = src
	if src == SourceGateway {
		o.state = StateGatewayAuthoritative
	} else {
		o.state = StateFallbackAuthoritative
	}
	o.loading = false
	o.lock.Unlock()
	o.notify()
}

func (o *Orchestrator) settle(state State, src Source) {
	o.lock.Lock()
	o.state = state
	o.source = src
	o.loading = false
	o.lock.Unlock()
	o.notify()
}

// afterSignIn fires the sign-in side effects: profile resolution and the SSO
// cookie exchange. Both run fire-and-forget; neither is awaited by the caller.
// The last-synced token marker makes this at-most-once per distinct access
// token, which also serializes duplicate session-change notifications.
func (o *Orchestrator) afterSignIn(s *session.Session) {
	o.lock.Lock()
	if o.closed || o.lastSyncedToken == s.AccessToken {
		o.lock.Unlock()
		return
	}
	o.lastSyncedToken = s.AccessToken
	o.lock.Unlock()

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.resolveProfile(s.User)
	}()
	go func() {
		defer o.wg.Done()
		if o.deps.SSO == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.sideEffectTimeout)
		defer cancel()
		o.deps.SSO.Exchange(ctx, s.AccessToken)
	}()
}

func (o *Orchestrator) resolveProfile(u session.User) {
	if o.deps.Profiles == nil || u.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.sideEffectTimeout)
	defer cancel()

	p, err := o.deps.Profiles.GetByID(ctx, u.ID)
	switch {
	case errors.Is(err, profile.ErrNotFound) || (err == nil && p == nil):
		p = profile.Synthesize(u)
		if err := o.deps.Profiles.Upsert(ctx, p); err != nil {
			o.logger.Warn().Err(err).Str("user_id", u.ID).Msg("profile upsert failed")
		}
	case err != nil:
		// The session stays valid without a profile.
		o.logger.Warn().Err(err).Str("user_id", u.ID).Msg("profile fetch failed")
		return
	}

	o.lock.Lock()
	stale := !o.current.Active() || o.current.User.ID != u.ID
	if !stale {
		o.prof = p
	}
	o.lock.Unlock()
	if !stale {
		o.notify()
	}
}

// SignIn resolves credentials against the authoritative source only. On
// failure there is no retry against the other identity store: ambiguous
// credentials must never be tried against a second backend.
func (o *Orchestrator) SignIn(ctx context.Context, identifier, secret string) error {
	src, tag := o.authoritative()
	if src == nil {
		return errors.Wrap(session.ErrNoAuthority, "[Orchestrator.SignIn]")
	}

	s, err := src.Login(ctx, identifier, secret)
	if err != nil {
		return errors.Wrap(err, "[Orchestrator.SignIn] "+src.Name())
	}
	if !s.Active() {
		return errors.Wrap(session.ErrAuthenticationFailed, "[Orchestrator.SignIn] inactive session")
	}
	o.adopt(tag, s)
	o.afterSignIn(s)
	return nil
}

// SignUp registers a new user with the authoritative source when it supports
// direct registration. A backend that confirms accounts out-of-band may
// return no session yet; that is a success with no adoption.
func (o *Orchestrator) SignUp(ctx context.Context, identifier, secret string) error {
	src, tag := o.authoritative()
	if src == nil {
		return errors.Wrap(session.ErrNoAuthority, "[Orchestrator.SignUp]")
	}
	reg, ok := src.(UserRegistrar)
	if !ok {
		return errors.Wrap(session.ErrAuthenticationFailed, "[Orchestrator.SignUp] "+src.Name()+" does not register users")
	}

	s, err := reg.SignUp(ctx, identifier, secret)
	if err != nil {
		return errors.Wrap(err, "[Orchestrator.SignUp] "+src.Name())
	}
	if s.Active() {
		o.adopt(tag, s)
		o.afterSignIn(s)
	}
	return nil
}

// SignOut clears the cross-domain cookies first, so a crash mid-signout never
// leaves stale SSO state, then revokes the backend session best-effort, then
// clears local state unconditionally.
func (o *Orchestrator) SignOut(ctx context.Context) {
	if o.deps.SSO != nil {
		o.deps.SSO.Clear(ctx)
	}
	if src, _ := o.authoritative(); src != nil {
		if err := src.Logout(ctx); err != nil {
			o.logger.Warn().Err(err).Str("source", src.Name()).Msg("backend logout failed")
		}
	}
	o.clearLocal()
}

// RefreshSession exchanges the held refresh token via the authoritative
// source and adopts the result. The HTTP authenticator's 401 path lands here.
func (o *Orchestrator) RefreshSession(ctx context.Context) (*session.Session, error) {
	src, tag := o.authoritative()
	if src == nil {
		return nil, errors.Wrap(session.ErrRefreshFailed, "[Orchestrator.RefreshSession] no authoritative source")
	}
	s, err := src.Refresh(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[Orchestrator.RefreshSession]")
	}
	o.adopt(tag, s)
	// A rotated token re-syncs SSO exactly once; the marker gates dupes.
	o.afterSignIn(s)
	return s, nil
}

// HandleAuthFailure is the HTTP authenticator's escalation hook: the session
// could not be recovered, so every piece of local auth state clears and the
// failing request's path is logged for the login flow to restore.
func (o *Orchestrator) HandleAuthFailure(returnPath string) {
	o.logger.Warn().Str("return_path", returnPath).Msg("session unrecoverable, login required")
	o.clearLocal()
}

func (o *Orchestrator) clearLocal() {
	o.deps.Tokens.Clear()

	o.lock.Lock()
	o.current = nil
	o.prof = nil
	o.lastSyncedToken = ""
	if o.state != StateUninitialized {
		o.state = StateUnauthenticated
	}
	o.loading = false
	o.lock.Unlock()
	o.notify()
}

func (o *Orchestrator) authoritative() (SessionSource, Source) {
	o.lock.RLock()
	defer o.lock.RUnlock()
	switch o.source {
	case SourceGateway:
		return o.deps.Gateway, SourceGateway
	case SourceFallback:
		return o.deps.Fallback, SourceFallback
	}
	return nil, SourceNone
}

// Snapshot returns the current observable auth state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return Snapshot{
		State:   o.state,
		Source:  o.source,
		Session: o.current,
		Profile: o.prof,
		Loading: o.loading,
	}
}

// Loading reports whether an initialization pass is still in flight.
func (o *Orchestrator) Loading() bool {
	o.lock.RLock()
	defer o.lock.RUnlock()
	return o.loading
}

// Subscribe registers an observer for state snapshots. The returned cancel
// function removes it; callers must cancel on teardown.
func (o *Orchestrator) Subscribe(fn func(Snapshot)) func() {
	o.lock.Lock()
	id := o.nextSubID
	o.nextSubID++
	o.subscribers[id] = fn
	o.lock.Unlock()

	return func() {
		o.lock.Lock()
		delete(o.subscribers, id)
		o.lock.Unlock()
	}
}

func (o *Orchestrator) notify() {
	o.lock.RLock()
	snap := Snapshot{
		State:   o.state,
		Source:  o.source,
		Session: o.current,
		Profile: o.prof,
		Loading: o.loading,
	}
	fns := make([]func(Snapshot), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		fns = append(fns, fn)
	}
	o.lock.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Close tears the orchestrator down: the fallback stream is unsubscribed and
// in-flight side effects are drained so nothing mutates state after unmount.
func (o *Orchestrator) Close() {
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		return
	}
	o.closed = true
	unsub := o.unsubscribe
	o.unsubscribe = nil
	o.subscribers = map[int]func(Snapshot){}
	o.lock.Unlock()

	if unsub != nil {
		unsub()
	}
	o.wg.Wait()
}
