package assetcache

import (
	"context"
	"log/slog"
	nethttp "net/http"
	"sync"
	"time"

	assethttp "github.com/meigma/assetcache/http"
	"github.com/meigma/assetcache/store"
)

// DefaultTTL is the freshness window applied to stored entries.
const DefaultTTL = 6 * time.Hour

// Fetcher retrieves a resource from the network.
//
// Retry and backoff, if any, are the Fetcher's concern; the cache never
// retries a failed fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body []byte, header nethttp.Header, err error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, nethttp.Header, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, nethttp.Header, error) {
	return f(ctx, url)
}

// Registry owns the durable store pool, the handle registry, and one Cache
// per namespace.
//
// A Registry is the application-root replacement for process-wide
// singletons: construct one, share it, and construct a fresh one to reset.
type Registry struct {
	opener         store.Opener
	pool           *store.Pool
	fetcher        Fetcher
	handles        *Handles
	handleBase     string
	logger         *slog.Logger
	now            func() time.Time
	defaultTTL     time.Duration
	runConcurrency int

	mu     sync.Mutex
	caches map[string]*Cache
}

// NewRegistry creates a Registry with the given options.
//
// Without [WithOpener] durable storage is unavailable and every Cache
// fetches from the network on each first use of a URL.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		now:        time.Now,
		defaultTTL: DefaultTTL,
		caches:     make(map[string]*Cache),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, err
		}
	}
	if r.fetcher == nil {
		f, err := assethttp.NewFetcher()
		if err != nil {
			return nil, err
		}
		r.fetcher = f
	}
	r.pool = store.NewPool(r.opener)
	r.handles = NewHandles(r.handleBase)
	return r, nil
}

// Cache returns the Cache for namespace, creating it on first use.
// Every call with the same namespace returns the same instance.
func (r *Registry) Cache(namespace string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.caches[namespace]; ok {
		return c
	}
	c := newCache(r, namespace)
	r.caches[namespace] = c
	return c
}

// Handles returns the handle registry shared by every Cache of r.
func (r *Registry) Handles() *Handles {
	return r.handles
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}
