package genai

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/BTreeMap/ConvoPipe/internal/util"
)

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Message is one prior conversation turn sent to the model.
type Message struct {
	Role    models.Role
	Content string
}

// Request is a completion request. The last message is the one to answer.
type Request struct {
	System     string
	Messages   []Message
	JSONOutput bool
}

// Provider produces completions.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// ProviderFactory builds a provider from tenant credentials.
type ProviderFactory func(creds util.Credentials) (Provider, error)

// Router selects a provider by name and reuses one client per tenant.
type Router struct {
	mu              sync.RWMutex
	caches          map[string]*util.ClientCache[Provider]
	defaultProvider string
	defaultCreds    util.Credentials
}

// NewRouter creates a Router. Complete uses defaultProvider with
// defaultCreds.
func NewRouter(defaultProvider string, defaultCreds util.Credentials) *Router {
	if defaultCreds.TenantID == "" {
		defaultCreds.TenantID = "default"
	}
	return &Router{
		caches:          make(map[string]*util.ClientCache[Provider]),
		defaultProvider: defaultProvider,
		defaultCreds:    defaultCreds,
	}
}

// RegisterFactory registers how clients of provider name are built.
func (r *Router) RegisterFactory(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caches[name] = util.NewClientCache(name, util.ClientFactory[Provider](factory),
		util.WithCloseFunc(func(p Provider) {
			if c, ok := p.(io.Closer); ok {
				if err := c.Close(); err != nil {
					slog.Warn("Router: closing evicted provider failed", "provider", name, "error", err)
				}
			}
		}))
}

// Providers returns the registered provider names.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the client of provider name for creds. An empty name selects
// the default provider.
func (r *Router) Get(name string, creds util.Credentials) (Provider, error) {
	if name == "" {
		name = r.defaultProvider
	}
	r.mu.RLock()
	cache, ok := r.caches[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", name)
	}
	return cache.Get(creds)
}

// Invalidate drops the cached client of provider name for tenantID.
func (r *Router) Invalidate(name, tenantID string) {
	r.mu.RLock()
	cache, ok := r.caches[name]
	r.mu.RUnlock()
	if ok {
		cache.Invalidate(tenantID)
	}
}

// Name implements Provider.
func (r *Router) Name() string { return r.defaultProvider }

// Complete implements Provider with the default provider and credentials.
func (r *Router) Complete(ctx context.Context, req Request) (string, error) {
	p, err := r.Get("", r.defaultCreds)
	if err != nil {
		return "", err
	}
	return p.Complete(ctx, req)
}

// Close closes every cached client that holds resources.
func (r *Router) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cache := range r.caches {
		cache.Clear()
	}
	return nil
}

// OpenAIFactory builds OpenAI clients from credentials using opts for
// everything the credentials do not set.
func OpenAIFactory(opts ...Option) ProviderFactory {
	return func(creds util.Credentials) (Provider, error) {
		all := append([]Option{}, opts...)
		all = append(all, WithAPIKey(creds.APIKey))
		if creds.BaseURL != "" {
			all = append(all, WithBaseURL(creds.BaseURL))
		}
		if model := creds.Extra["model"]; model != "" {
			all = append(all, WithModel(model))
		}
		return NewClient(all...)
	}
}

var (
	_ Provider = (*Client)(nil)
	_ Provider = (*Router)(nil)
)
