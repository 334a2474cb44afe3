// Package testutil provides fakes shared by the asset cache tests.
package testutil

import (
	"context"
	"fmt"
	nethttp "net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/assetcache/store"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Response is a canned fetch outcome.
type Response struct {
	Body   []byte
	Header nethttp.Header
	Err    error
}

// MockFetcher serves canned responses and counts calls per URL.
//
// When gated, each Fetch announces itself on Started and then blocks until
// Release is called or its context ends.
type MockFetcher struct {
	mu        sync.Mutex
	responses map[string]Response
	calls     map[string]int
	total     atomic.Int64
	gate      chan struct{}
	started   chan string
}

// NewMockFetcher returns a fetcher with no responses configured.
// Unknown URLs fail with a 404-like error.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		responses: make(map[string]Response),
		calls:     make(map[string]int),
		started:   make(chan string, 64),
	}
}

// Serve configures url to return body with the given content type.
func (f *MockFetcher) Serve(url string, body []byte, contentType string) {
	h := make(nethttp.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = Response{Body: body, Header: h}
}

// Fail configures url to fail with err.
func (f *MockFetcher) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = Response{Err: err}
}

// Gate makes subsequent fetches block until Release.
func (f *MockFetcher) Gate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

// Release unblocks every fetch waiting on the gate and removes it.
func (f *MockFetcher) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gate != nil {
		close(f.gate)
		f.gate = nil
	}
}

// Started reports the URL of each fetch as it begins.
func (f *MockFetcher) Started() <-chan string {
	return f.started
}

// Calls returns how many times url was fetched.
func (f *MockFetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

// Total returns the number of fetches across all URLs.
func (f *MockFetcher) Total() int {
	return int(f.total.Load())
}

// Fetch implements the cache's Fetcher interface.
func (f *MockFetcher) Fetch(ctx context.Context, url string) ([]byte, nethttp.Header, error) {
	f.mu.Lock()
	f.calls[url]++
	resp, ok := f.responses[url]
	gate := f.gate
	f.mu.Unlock()
	f.total.Add(1)

	select {
	case f.started <- url:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("GET %s: 404 Not Found", url)
	}
	if resp.Err != nil {
		return nil, nil, resp.Err
	}
	return append([]byte(nil), resp.Body...), resp.Header.Clone(), nil
}

// CountingStore wraps a store.Store and counts operations.
type CountingStore struct {
	store.Store

	matches atomic.Int64
	puts    atomic.Int64
	deletes atomic.Int64
}

// NewCountingStore wraps s.
func NewCountingStore(s store.Store) *CountingStore {
	return &CountingStore{Store: s}
}

// Match implements store.Store.
func (s *CountingStore) Match(ctx context.Context, key string) (*store.Entry, bool, error) {
	s.matches.Add(1)
	return s.Store.Match(ctx, key)
}

// Put implements store.Store.
func (s *CountingStore) Put(ctx context.Context, key string, entry *store.Entry) error {
	s.puts.Add(1)
	return s.Store.Put(ctx, key, entry)
}

// Delete implements store.Store.
func (s *CountingStore) Delete(ctx context.Context, key string) (bool, error) {
	s.deletes.Add(1)
	return s.Store.Delete(ctx, key)
}

// Matches returns the number of Match calls.
func (s *CountingStore) Matches() int { return int(s.matches.Load()) }

// Puts returns the number of Put calls.
func (s *CountingStore) Puts() int { return int(s.puts.Load()) }

// Deletes returns the number of Delete calls.
func (s *CountingStore) Deletes() int { return int(s.deletes.Load()) }

// StaticOpener returns an opener that hands out s for every namespace.
func StaticOpener(s store.Store) store.Opener {
	return store.OpenerFunc(func(context.Context, string) (store.Store, error) {
		return s, nil
	})
}
