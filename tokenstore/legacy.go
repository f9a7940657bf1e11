package tokenstore

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanonasis/maas-auth/session"
)

// Keys the pre-rewrite credential scheme persisted tokens under.
const (
	LegacyAccessTokenKey  = "maas_access_token"
	LegacyRefreshTokenKey = "maas_refresh_token"
	LegacyUserKey         = "maas_user"
)

// LegacyStore is the old persistent credential scheme. Migration drains it:
// values are read once and deleted so tokens stop living outside process
// memory.
type LegacyStore interface {
	Get(key string) (string, bool)
	Delete(key string) error
}

// MigrateFromLegacy moves any tokens left behind by the old persistence
// scheme into the in-memory store and deletes them at the source. It is
// idempotent: once the legacy entries are gone, repeat calls are no-ops.
func (s *Store) MigrateFromLegacy(legacy LegacyStore) error {
	if legacy == nil {
		return nil
	}

	if token, ok := legacy.Get(LegacyAccessTokenKey); ok && token != "" {
		s.SetAccessToken(token, 0)
		if err := legacy.Delete(LegacyAccessTokenKey); err != nil {
			return errors.Wrap(err, "[Store.MigrateFromLegacy] delete access token")
		}
	}
	if token, ok := legacy.Get(LegacyRefreshTokenKey); ok && token != "" {
		s.SetRefreshToken(token)
		if err := legacy.Delete(LegacyRefreshTokenKey); err != nil {
			return errors.Wrap(err, "[Store.MigrateFromLegacy] delete refresh token")
		}
	}
	if raw, ok := legacy.Get(LegacyUserKey); ok && raw != "" {
		var u session.User
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			s.SetUser(&u)
		}
		if err := legacy.Delete(LegacyUserKey); err != nil {
			return errors.Wrap(err, "[Store.MigrateFromLegacy] delete user")
		}
	}
	return nil
}

var _ LegacyStore = (*FileLegacyStore)(nil)

// FileLegacyStore reads the pre-rewrite JSON credentials file. It exists only
// as a migration source; nothing ever writes new entries into it.
type FileLegacyStore struct {
	path    string
	lock    sync.Mutex
	entries map[string]string
	loaded  bool
}

// NewFileLegacyStore wraps the credentials file at path. A missing file is an
// exhausted store, not an error.
func NewFileLegacyStore(path string) *FileLegacyStore {
	return &FileLegacyStore{path: path}
}

func (f *FileLegacyStore) Get(key string) (string, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.load()
	v, ok := f.entries[key]
	return v, ok
}

func (f *FileLegacyStore) Delete(key string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.load()
	if _, ok := f.entries[key]; !ok {
		return nil
	}
	delete(f.entries, key)
	return f.persist()
}

func (f *FileLegacyStore) load() {
	if f.loaded {
		return
	}
	f.loaded = true
	f.entries = make(map[string]string)

	raw, err := os.ReadFile(f.path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, &f.entries)
}

func (f *FileLegacyStore) persist() error {
	if len(f.entries) == 0 {
		err := os.Remove(f.path)
		if err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "[FileLegacyStore.persist] remove")
		}
		return nil
	}
	raw, err := json.Marshal(f.entries)
	if err != nil {
		return errors.Wrap(err, "[FileLegacyStore.persist] marshal")
	}
	if err := os.WriteFile(f.path, raw, 0o600); err != nil {
		return errors.Wrap(err, "[FileLegacyStore.persist] write")
	}
	return nil
}
