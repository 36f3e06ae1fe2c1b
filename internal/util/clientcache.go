package util

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrEmptyTenant is returned when a client is requested without a tenant id.
var ErrEmptyTenant = errors.New("tenant id cannot be empty")

// Credentials identify a tenant's account with an external service.
type Credentials struct {
	TenantID string
	APIKey   string
	BaseURL  string
	Extra    map[string]string
}

// Fingerprint returns a stable digest of the credentials. Two credential sets
// with the same fingerprint build interchangeable clients.
func (c Credentials) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(c.APIKey))
	h.Write([]byte{0})
	h.Write([]byte(c.BaseURL))
	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(c.Extra[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ClientFactory builds a client for one tenant.
type ClientFactory[C any] func(creds Credentials) (C, error)

type cachedClient[C any] struct {
	client      C
	fingerprint string
}

// ClientCache reuses expensive external clients per tenant. A cached client is
// rebuilt when the tenant's credentials change.
type ClientCache[C any] struct {
	name    string
	factory ClientFactory[C]
	closeFn func(C)

	mu      sync.Mutex
	clients map[string]cachedClient[C]
}

// ClientCacheOption configures a ClientCache.
type ClientCacheOption[C any] func(*ClientCache[C])

// WithCloseFunc registers a function called on clients evicted from the cache.
func WithCloseFunc[C any](fn func(C)) ClientCacheOption[C] {
	return func(c *ClientCache[C]) { c.closeFn = fn }
}

// NewClientCache creates a cache that builds clients with factory. name is used
// in log messages.
func NewClientCache[C any](name string, factory ClientFactory[C], opts ...ClientCacheOption[C]) *ClientCache[C] {
	c := &ClientCache[C]{
		name:    name,
		factory: factory,
		clients: make(map[string]cachedClient[C]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached client for creds.TenantID, building a new one when
// none is cached or the credentials changed since it was built.
func (c *ClientCache[C]) Get(creds Credentials) (C, error) {
	var zero C
	if creds.TenantID == "" {
		return zero, ErrEmptyTenant
	}
	fp := creds.Fingerprint()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.clients[creds.TenantID]; ok {
		if cached.fingerprint == fp {
			return cached.client, nil
		}
		slog.Info("ClientCache.Get: credentials changed, rebuilding client", "cache", c.name, "tenant", creds.TenantID)
		c.evictLocked(creds.TenantID, cached)
	}

	client, err := c.factory(creds)
	if err != nil {
		return zero, err
	}
	c.clients[creds.TenantID] = cachedClient[C]{client: client, fingerprint: fp}
	slog.Debug("ClientCache.Get: built client", "cache", c.name, "tenant", creds.TenantID)
	return client, nil
}

// Invalidate drops the cached client for tenantID.
func (c *ClientCache[C]) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.clients[tenantID]; ok {
		c.evictLocked(tenantID, cached)
	}
}

// Len returns the number of cached clients.
func (c *ClientCache[C]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *ClientCache[C]) evictLocked(tenantID string, cached cachedClient[C]) {
	delete(c.clients, tenantID)
	if c.closeFn != nil {
		c.closeFn(cached.client)
	}
}

// Clear evicts every cached client.
func (c *ClientCache[C]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tenantID, cached := range c.clients {
		c.evictLocked(tenantID, cached)
	}
}
