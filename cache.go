package assetcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/assetcache/store"
)

// Cache acquires assets for one namespace.
//
// Resolved handles are memoized for the lifetime of the Cache. Concurrent
// Get calls for a URL that is still resolving share one in-flight
// resolution, which is removed from the in-flight table before any of its
// callers observe the outcome.
type Cache struct {
	reg       *Registry
	namespace string
	ttl       atomic.Int64
	logger    *slog.Logger

	mu          sync.Mutex
	store       store.Store
	unavailable bool
	memo        map[string]*Handle
	inflight    map[string]*flight
}

// flight is a pending resolution shared by every caller for one URL.
type flight struct {
	done    chan struct{}
	waiters int
	handle  *Handle
	err     error
}

func newCache(r *Registry, namespace string) *Cache {
	c := &Cache{
		reg:       r,
		namespace: namespace,
		logger:    r.log().With("namespace", namespace),
		memo:      make(map[string]*Handle),
		inflight:  make(map[string]*flight),
	}
	c.ttl.Store(int64(r.defaultTTL))
	return c
}

// Namespace returns the namespace the cache serves.
func (c *Cache) Namespace() string {
	return c.namespace
}

// TTL returns the freshness window applied to entries written from now on.
func (c *Cache) TTL() time.Duration {
	return time.Duration(c.ttl.Load())
}

// SetTTL sets the freshness window applied to entries written from now on
// and returns c for chaining. Entries already stored keep their Expires
// header. A non-positive ttl restores [DefaultTTL].
func (c *Cache) SetTTL(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.ttl.Store(int64(ttl))
	return c
}

// Open obtains the namespace's durable store. It is idempotent.
//
// When durable storage is unavailable Open succeeds and the cache works
// network-only. An open failure is returned here and by every later
// storage-dependent call for the namespace.
func (c *Cache) Open(ctx context.Context) error {
	_, err := c.durable(ctx)
	return err
}

// Available reports whether durable storage is in use. It is only
// meaningful after a successful Open.
func (c *Cache) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store != nil
}

// durable returns the store, or nil when storage is unavailable.
func (c *Cache) durable(ctx context.Context) (store.Store, error) {
	c.mu.Lock()
	if c.store != nil || c.unavailable {
		s := c.store
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	s, err := c.reg.pool.Instance(ctx, c.namespace)
	if errors.Is(err, store.ErrUnavailable) {
		c.mu.Lock()
		c.unavailable = true
		c.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("open %s store: %w", c.namespace, err)
	}
	c.mu.Lock()
	c.store = s
	c.mu.Unlock()
	return s, nil
}

// Get returns a handle to the asset at url.
//
// A memoized handle is returned without suspension. Otherwise the caller
// either joins the URL's in-flight resolution or starts one. The starting
// caller's ctx cancels the network fetch for every caller sharing the
// resolution; a joining caller whose ctx ends stops waiting with ctx.Err()
// and leaves the resolution running.
func (c *Cache) Get(ctx context.Context, url string) (*Handle, error) {
	c.mu.Lock()
	if h, ok := c.memo[url]; ok {
		c.mu.Unlock()
		return h, nil
	}
	f, joined := c.inflight[url]
	if joined {
		f.waiters++
	} else {
		f = &flight{done: make(chan struct{})}
		c.inflight[url] = f
	}
	c.mu.Unlock()

	if !joined {
		c.settle(url, f, c.resolve(ctx, url))
		return f.handle, f.err
	}

	c.logger.Debug("joined in-flight resolution", "url", url)
	select {
	case <-f.done:
		return f.handle, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type resolution struct {
	handle *Handle
	err    error
}

// settle publishes the outcome of f. The memo is filled and the in-flight
// entry removed under the same lock, before any waiter is released.
func (c *Cache) settle(url string, f *flight, res resolution) {
	c.mu.Lock()
	if res.err == nil {
		c.memo[url] = res.handle
	}
	if c.inflight[url] == f {
		delete(c.inflight, url)
	}
	f.handle, f.err = res.handle, res.err
	waiters := f.waiters
	c.mu.Unlock()
	close(f.done)
	c.logger.Debug("resolution settled", "url", url, "joined", waiters, "error", res.err)
}

func (c *Cache) resolve(ctx context.Context, url string) resolution {
	// Storage work is never cancelled; only the network fetch observes ctx.
	storageCtx := context.WithoutCancel(ctx)

	s, err := c.durable(storageCtx)
	if err != nil {
		return resolution{err: err}
	}
	if s == nil {
		body, header, err := c.fetch(ctx, url)
		if err != nil {
			return resolution{err: err}
		}
		return resolution{handle: c.reg.handles.create(url, body, header)}
	}

	entry, ok, err := s.Match(storageCtx, url)
	if err != nil {
		return resolution{err: fmt.Errorf("match %s: %w", url, err)}
	}

	var body []byte
	var header nethttp.Header
	switch {
	case !ok:
		c.logger.Debug("asset cache miss", "url", url)
		body, header, err = c.fetchPut(ctx, storageCtx, s, url)
	case c.reg.now().After(entry.Expires()):
		removed, derr := s.Delete(storageCtx, url)
		if derr != nil {
			return resolution{err: fmt.Errorf("delete stale %s: %w", url, derr)}
		}
		if removed {
			c.logger.Debug("asset cache entry expired", "url", url, "expires", entry.Expires())
			body, header, err = c.fetchPut(ctx, storageCtx, s, url)
		} else {
			// Another deleter won the race; serve what was read.
			c.logger.Debug("stale entry already removed, serving stale payload", "url", url)
			body, header = entry.Body, entry.Header
		}
	default:
		c.logger.Debug("asset cache hit", "url", url)
		body, header = entry.Body, entry.Header
	}
	if err != nil {
		return resolution{err: err}
	}
	return resolution{handle: c.reg.handles.create(url, body, header)}
}

func (c *Cache) fetch(ctx context.Context, url string) ([]byte, nethttp.Header, error) {
	body, header, err := c.reg.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return body, header, nil
}

// fetchPut fetches url and stores the payload with a Content-Length and an
// Expires header of now+TTL.
func (c *Cache) fetchPut(ctx, storageCtx context.Context, s store.Store, url string) ([]byte, nethttp.Header, error) {
	body, header, err := c.fetch(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	stored := header.Clone()
	if stored == nil {
		stored = make(nethttp.Header)
	}
	stored.Set(store.HeaderContentLength, strconv.Itoa(len(body)))
	stored.Set(store.HeaderExpires, c.reg.now().Add(c.TTL()).UTC().Format(nethttp.TimeFormat))

	if err := s.Put(storageCtx, url, &store.Entry{Header: stored, Body: body}); err != nil {
		c.logger.Warn("failed to store asset", "url", url, "error", err)
		return nil, nil, fmt.Errorf("store %s: %w", url, err)
	}
	return body, stored, nil
}
