// Package auth authenticates and authorizes callers.
//
// Two credential shapes are accepted: HMAC-SHA256 signed tokens (three
// dot-separated segments carrying subject, expiry, and roles) and opaque
// API keys registered server-side. A token that merely looks signed is
// tried on the signed path first, then falls through to the key registry.
//
// Successful validations are cached keyed by token plus requesting service,
// with a periodic sweep evicting expired entries. Authorization applies a
// role policy per method name; public services bypass authentication
// entirely.
package auth

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"flux-rpc/rpcerror"
)

// AuthType records which mechanism validated the caller.
type AuthType string

const (
	AuthTypeSigned AuthType = "signed"
	AuthTypeAPIKey AuthType = "apikey"
)

// Context is the product of a successful authentication.
type Context struct {
	Principal string
	Roles     []string
	Type      AuthType
	ExpiresAt time.Time
}

// Diagnostic codes surfaced to callers in response extensions.
const (
	CodeMissingToken            = "MISSING_TOKEN"
	CodeInvalidToken            = "INVALID_TOKEN"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
)

// Error pairs an auth failure with its diagnostic code.
type Error struct {
	Code string
	msg  string
	kind error
}

func (e *Error) Error() string { return "auth: " + e.msg }
func (e *Error) Unwrap() error { return e.kind }

func errMissingToken() error {
	return &Error{Code: CodeMissingToken, msg: "no token presented", kind: rpcerror.ErrUnauthenticated}
}

func errInvalidToken(detail string) error {
	return &Error{Code: CodeInvalidToken, msg: "invalid token: " + detail, kind: rpcerror.ErrUnauthenticated}
}

func errInsufficientPermissions(principal, method string) error {
	return &Error{
		Code: CodeInsufficientPermissions,
		msg:  fmt.Sprintf("%s may not call %s", principal, method),
		kind: rpcerror.ErrPermissionDenied,
	}
}

// MinSecretLen is the smallest accepted HMAC secret. Anything shorter is
// brute-forceable offline.
const MinSecretLen = 16

// Config controls token issuance, key lifetime, and the validation cache.
type Config struct {
	// Secret signs and verifies tokens. Must be at least MinSecretLen bytes.
	Secret string
	// Issuer is stamped into issued tokens.
	Issuer string
	// TokenTTL is the signed-token lifetime.
	TokenTTL time.Duration
	// APIKeyTTL is the opaque-key lifetime.
	APIKeyTTL time.Duration
	// CacheSweepInterval is how often expired cache entries are evicted.
	CacheSweepInterval time.Duration
	// PublicPatterns lists path.Match patterns of interfaces that bypass
	// authentication, e.g. "public.*".
	PublicPatterns []string
}

func DefaultConfig() Config {
	return Config{
		Issuer:             "flux-rpc",
		TokenTTL:           24 * time.Hour,
		APIKeyTTL:          30 * 24 * time.Hour,
		CacheSweepInterval: time.Minute,
		PublicPatterns:     []string{"public.*"},
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.Issuer == "" {
		c.Issuer = d.Issuer
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = d.TokenTTL
	}
	if c.APIKeyTTL <= 0 {
		c.APIKeyTTL = d.APIKeyTTL
	}
	if c.CacheSweepInterval <= 0 {
		c.CacheSweepInterval = d.CacheSweepInterval
	}
}

type cachedAuth struct {
	ctx     Context
	expires time.Time
}

// CacheStats reports validation-cache effectiveness.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

// Manager is the authentication and authorization front door.
type Manager struct {
	cfg    Config
	log    *zap.Logger
	clock  clockwork.Clock
	tokens *TokenService
	keys   *APIKeyStore

	mu    sync.RWMutex
	cache map[string]cachedAuth

	hits   atomic.Int64
	misses atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(cfg Config, log *zap.Logger) (*Manager, error) {
	return NewManagerWithClock(cfg, log, clockwork.NewRealClock())
}

func NewManagerWithClock(cfg Config, log *zap.Logger, clock clockwork.Clock) (*Manager, error) {
	if len(cfg.Secret) < MinSecretLen {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", MinSecretLen)
	}
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		cfg:    cfg,
		log:    log.Named("auth"),
		clock:  clock,
		tokens: newTokenService([]byte(cfg.Secret), cfg.Issuer, cfg.TokenTTL, clock),
		keys:   newAPIKeyStore(cfg.APIKeyTTL, clock),
		cache:  make(map[string]cachedAuth),
		stop:   make(chan struct{}),
	}
	m.keys.invalidate = m.purgeToken
	go m.sweepLoop()
	return m, nil
}

// Tokens exposes signed-token issuance.
func (m *Manager) Tokens() *TokenService { return m.tokens }

// APIKeys exposes the opaque-key registry.
func (m *Manager) APIKeys() *APIKeyStore { return m.keys }

// IsPublic reports whether the interface bypasses authentication.
func (m *Manager) IsPublic(iface string) bool {
	for _, pattern := range m.cfg.PublicPatterns {
		if ok, err := path.Match(pattern, iface); err == nil && ok {
			return true
		}
	}
	return false
}

// Authenticate validates a token for a request to the given service. Signed
// tokens (three dot-separated segments) are tried on the signed path first,
// then the opaque-key registry.
func (m *Manager) Authenticate(token, service string) (Context, error) {
	if token == "" {
		return Context{}, errMissingToken()
	}

	cacheKey := token + "|" + service
	now := m.clock.Now()

	m.mu.RLock()
	entry, ok := m.cache[cacheKey]
	m.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		m.hits.Add(1)
		return entry.ctx, nil
	}
	m.misses.Add(1)

	var (
		ctx Context
		err error
	)
	if strings.Count(token, ".") == 2 {
		ctx, err = m.tokens.Verify(token)
		if err != nil {
			ctx, err = m.keys.Verify(token, service)
		}
	} else {
		ctx, err = m.keys.Verify(token, service)
	}
	if err != nil {
		m.log.Debug("authentication failed", zap.String("service", service), zap.Error(err))
		return Context{}, errInvalidToken(err.Error())
	}

	m.mu.Lock()
	m.cache[cacheKey] = cachedAuth{ctx: ctx, expires: ctx.ExpiresAt}
	m.mu.Unlock()
	return ctx, nil
}

// Authorize applies the role policy to a method call:
//
//	admin, service  → every method
//	read            → methods with a read-intent prefix
//	write           → every other method
func (m *Manager) Authorize(ac Context, method string) error {
	for _, role := range ac.Roles {
		switch role {
		case "admin", "service":
			return nil
		case "read":
			if isReadMethod(method) {
				return nil
			}
		case "write":
			if !isReadMethod(method) {
				return nil
			}
		}
	}
	return errInsufficientPermissions(ac.Principal, method)
}

var readPrefixes = []string{"get", "query", "find", "list", "search"}

func isReadMethod(method string) bool {
	lower := strings.ToLower(method)
	for _, p := range readPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// CacheStats snapshots cache counters.
func (m *Manager) CacheStats() CacheStats {
	m.mu.RLock()
	size := len(m.cache)
	m.mu.RUnlock()
	return CacheStats{Hits: m.hits.Load(), Misses: m.misses.Load(), Size: size}
}

func (m *Manager) sweepLoop() {
	ticker := m.clock.NewTicker(m.cfg.CacheSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()
	m.mu.Lock()
	for key, entry := range m.cache {
		if !now.Before(entry.expires) {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()
}

// purgeToken drops every cached validation of the given credential, so a
// revoked key stops working before its cache entry would have expired.
func (m *Manager) purgeToken(token string) {
	prefix := token + "|"
	m.mu.Lock()
	for key := range m.cache {
		if strings.HasPrefix(key, prefix) {
			delete(m.cache, key)
		}
	}
	m.mu.Unlock()
}

// Close stops the sweep goroutine. Idempotent.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}
