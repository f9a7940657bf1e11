package sourcefakes

import (
	"context"
	"sync"

	"github.com/lanonasis/maas-auth/auth"
	"github.com/lanonasis/maas-auth/session"
)

var (
	_ auth.SessionSource   = (*FakeSessionSource)(nil)
	_ auth.SessionNotifier = (*FakeSessionSource)(nil)
	_ auth.UserRegistrar   = (*FakeSessionSource)(nil)
)

// FakeSessionSource is a scriptable auth.SessionSource for orchestrator
// tests. Every stubbed result is a plain field; when Block is non-nil, each
// network-shaped call waits for it to close or the context to expire, which
// simulates a hung backend.
type FakeSessionSource struct {
	lock sync.Mutex

	SourceName string
	Healthy    bool
	Block      chan struct{}

	Session    *session.Session
	SessionErr error

	LoginSession *session.Session
	LoginErr     error

	SignUpSession *session.Session
	SignUpErr     error

	RefreshResult *session.Session
	RefreshErr    error

	LogoutErr    error
	SubscribeErr error

	HealthCalls    int
	CurrentCalls   int
	LoginCalls     int
	SignUpCalls    int
	RefreshCalls   int
	LogoutCalls    int
	SubscribeCalls int
	Unsubscribed   bool

	changeFn func(*session.Session)
}

func NewFakeSessionSource(name string) *FakeSessionSource {
	return &FakeSessionSource{SourceName: name, Healthy: true}
}

func (f *FakeSessionSource) Name() string { return f.SourceName }

func (f *FakeSessionSource) HealthCheck(ctx context.Context) bool {
	f.count(&f.HealthCalls)
	f.wait(ctx)
	return f.Healthy
}

func (f *FakeSessionSource) CurrentSession(ctx context.Context) (*session.Session, error) {
	f.count(&f.CurrentCalls)
	f.wait(ctx)
	return f.Session, f.SessionErr
}

func (f *FakeSessionSource) Login(ctx context.Context, _, _ string) (*session.Session, error) {
	f.count(&f.LoginCalls)
	f.wait(ctx)
	return f.LoginSession, f.LoginErr
}

func (f *FakeSessionSource) SignUp(ctx context.Context, _, _ string) (*session.Session, error) {
	f.count(&f.SignUpCalls)
	f.wait(ctx)
	return f.SignUpSession, f.SignUpErr
}

func (f *FakeSessionSource) Refresh(ctx context.Context) (*session.Session, error) {
	f.count(&f.RefreshCalls)
	f.wait(ctx)
	return f.RefreshResult, f.RefreshErr
}

func (f *FakeSessionSource) Logout(ctx context.Context) error {
	f.count(&f.LogoutCalls)
	f.wait(ctx)
	return f.LogoutErr
}

func (f *FakeSessionSource) OnSessionChange(fn func(*session.Session)) (func(), error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.SubscribeCalls++
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	f.changeFn = fn
	return func() {
		f.lock.Lock()
		defer f.lock.Unlock()
		f.Unsubscribed = true
		f.changeFn = nil
	}, nil
}

// EmitSessionChange pushes a session-change event to the subscribed callback,
// as the backend would.
func (f *FakeSessionSource) EmitSessionChange(s *session.Session) {
	f.lock.Lock()
	fn := f.changeFn
	f.lock.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *FakeSessionSource) count(field *int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	*field++
}

func (f *FakeSessionSource) wait(ctx context.Context) {
	f.lock.Lock()
	block := f.Block
	f.lock.Unlock()
	if block == nil {
		return
	}
	select {
	case <-block:
	case <-ctx.Done():
	}
}
