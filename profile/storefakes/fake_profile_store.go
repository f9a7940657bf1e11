package storefakes

import (
	"context"
	"sync"

	"github.com/lanonasis/maas-auth/profile"
)

var _ profile.Store = (*FakeProfileStore)(nil)

// FakeProfileStore is an in-memory profile.Store for tests. GetErr and
// UpsertErr, when set, are returned ahead of the stored data to force failure
// paths.
type FakeProfileStore struct {
	profiles  map[string]*profile.Profile
	lock      sync.RWMutex
	GetErr    error
	UpsertErr error

	GetCalls    int
	UpsertCalls int
}

func NewFakeProfileStore() *FakeProfileStore {
	return &FakeProfileStore{
		profiles: make(map[string]*profile.Profile),
	}
}

func (ps *FakeProfileStore) GetByID(_ context.Context, id string) (*profile.Profile, error) {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	ps.GetCalls++
	if ps.GetErr != nil {
		return nil, ps.GetErr
	}
	p, ok := ps.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return p, nil
}

// Calls reports the call counters under the store lock, safe to poll while
// the store is in use from other goroutines.
func (ps *FakeProfileStore) Calls() (gets, upserts int) {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.GetCalls, ps.UpsertCalls
}

func (ps *FakeProfileStore) Upsert(_ context.Context, p *profile.Profile) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	ps.UpsertCalls++
	if ps.UpsertErr != nil {
		return ps.UpsertErr
	}
	ps.profiles[p.ID] = p
	return nil
}
