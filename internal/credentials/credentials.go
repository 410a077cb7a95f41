// Package credentials resolves user names and passwords that are missing from
// the repository configuration, and remembers them per host.
package credentials

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// MaxCacheSize is the number of hosts remembered before the whole cache is
// dropped. The bound is a full flush, not an LRU.
const MaxCacheSize = 100

// Credential is a resolved user/password pair for a host. For identity file
// passphrases Host is the key file path.
type Credential struct {
	Host     string
	User     string
	Password string
}

// Provider produces credentials for a host, typically by asking someone.
// user is the user name already known for the host, if any.
type Provider interface {
	Resolve(host, user string) (Credential, bool)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(host, user string) (Credential, bool)

func (f ProviderFunc) Resolve(host, user string) (Credential, bool) {
	return f(host, user)
}

// Cache remembers the credentials a Provider returned, keyed by host.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]Credential
	provider Provider
	keyOf    func(string) string
	log      *zap.Logger
}

type CacheOption func(*Cache)

// WithExactKeys keeps keys as given instead of normalizing them as host
// names. Identity file paths are case sensitive.
func WithExactKeys() CacheOption {
	return func(c *Cache) {
		c.keyOf = func(k string) string { return k }
	}
}

func WithLogger(log *zap.Logger) CacheOption {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCache returns an empty cache backed by p. A nil provider never resolves anything.
func NewCache(p Provider, opts ...CacheOption) *Cache {
	c := &Cache{
		entries:  make(map[string]Credential),
		provider: p,
		keyOf:    normalizeHost,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Derive returns an empty cache backed by the same provider and logger.
func (c *Cache) Derive(opts ...CacheOption) *Cache {
	if c == nil {
		return nil
	}
	return NewCache(c.provider, append([]CacheOption{WithLogger(c.log)}, opts...)...)
}

// Lookup returns the cached credentials for host or asks the provider. The
// lock is held while the provider runs so that concurrent callers never
// prompt twice for the same host.
func (c *Cache) Lookup(host, user string) (Credential, bool) {
	key := c.keyOf(host)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cred, ok := c.entries[key]; ok {
		return cred, true
	}
	if c.provider == nil {
		return Credential{}, false
	}

	cred, ok := c.provider.Resolve(host, user)
	if !ok {
		c.log.Debug("no credentials provided", zap.String("host", host))
		return Credential{}, false
	}

	if len(c.entries) >= MaxCacheSize {
		c.log.Debug("credentials cache full, flushing", zap.Int("size", len(c.entries)))
		clear(c.entries)
	}
	c.entries[key] = cred
	return cred, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Forget drops the entry for host, e.g. after its password was refused.
func (c *Cache) Forget(host string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[c.keyOf(host)]; ok {
		c.log.Debug("forgetting credentials", zap.String("host", host))
		delete(c.entries, c.keyOf(host))
	}
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
