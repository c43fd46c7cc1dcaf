package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"flux-rpc/rpcerror"
)

// APIKey is an opaque server-registered credential. Unlike signed tokens,
// an API key proves nothing by itself; everything lives in this record.
type APIKey struct {
	Key       string
	ServiceID string // when set, only this service may present the key
	Roles     []string
	CreatedAt time.Time
	ExpiresAt time.Time
	Enabled   bool
}

// APIKeyStore is the in-memory registry of opaque keys.
type APIKeyStore struct {
	clock clockwork.Clock
	ttl   time.Duration

	// invalidate, when set, is called after a key is revoked or disabled
	// so cached validations of it stop being honored.
	invalidate func(key string)

	mu   sync.RWMutex
	keys map[string]*APIKey
}

func newAPIKeyStore(ttl time.Duration, clock clockwork.Clock) *APIKeyStore {
	return &APIKeyStore{clock: clock, ttl: ttl, keys: make(map[string]*APIKey)}
}

// Issue mints and registers a new key bound to serviceID (may be empty for
// an unbound key) carrying the given roles.
func (s *APIKeyStore) Issue(serviceID string, roles []string) (APIKey, error) {
	raw := "rpc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	now := s.clock.Now()
	k := &APIKey{
		Key:       raw,
		ServiceID: serviceID,
		Roles:     append([]string(nil), roles...),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		Enabled:   true,
	}
	s.mu.Lock()
	s.keys[raw] = k
	s.mu.Unlock()
	return *k, nil
}

// Verify validates existence, enabled flag, service binding, and expiry.
func (s *APIKeyStore) Verify(key, serviceID string) (Context, error) {
	s.mu.RLock()
	k := s.keys[key]
	s.mu.RUnlock()

	switch {
	case k == nil:
		return Context{}, fmt.Errorf("auth: unknown api key: %w", rpcerror.ErrUnauthenticated)
	case !k.Enabled:
		return Context{}, fmt.Errorf("auth: api key disabled: %w", rpcerror.ErrUnauthenticated)
	case k.ServiceID != "" && k.ServiceID != serviceID:
		return Context{}, fmt.Errorf("auth: api key bound to another service: %w", rpcerror.ErrUnauthenticated)
	case !s.clock.Now().Before(k.ExpiresAt):
		return Context{}, fmt.Errorf("auth: api key expired: %w", rpcerror.ErrUnauthenticated)
	}
	return Context{
		Principal: k.ServiceID,
		Roles:     append([]string(nil), k.Roles...),
		Type:      AuthTypeAPIKey,
		ExpiresAt: k.ExpiresAt,
	}, nil
}

// Revoke removes a key outright. Returns false when the key was unknown.
func (s *APIKeyStore) Revoke(key string) bool {
	s.mu.Lock()
	_, ok := s.keys[key]
	delete(s.keys, key)
	s.mu.Unlock()
	if ok && s.invalidate != nil {
		s.invalidate(key)
	}
	return ok
}

// SetEnabled toggles a key without losing its registration.
func (s *APIKeyStore) SetEnabled(key string, enabled bool) bool {
	s.mu.Lock()
	k, ok := s.keys[key]
	if ok {
		k.Enabled = enabled
	}
	s.mu.Unlock()
	if ok && !enabled && s.invalidate != nil {
		s.invalidate(key)
	}
	return ok
}

// List snapshots all registered keys.
func (s *APIKeyStore) List() []APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]APIKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, *k)
	}
	return out
}
