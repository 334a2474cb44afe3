package assetcache

import (
	"errors"
	"log/slog"
	"time"

	"github.com/meigma/assetcache/store"
)

// Option configures a Registry.
type Option func(*Registry) error

// WithOpener sets the opener for durable stores.
//
// An opener that returns [store.ErrUnavailable] marks storage unavailable
// for that namespace; any other error is a terminal open failure.
func WithOpener(opener store.Opener) Option {
	return func(r *Registry) error {
		r.opener = opener
		return nil
	}
}

// WithFetcher sets the network fetcher. Defaults to the http subpackage's
// Fetcher without retries.
func WithFetcher(f Fetcher) Option {
	return func(r *Registry) error {
		if f == nil {
			return errors.New("fetcher is nil")
		}
		r.fetcher = f
		return nil
	}
}

// WithLogger sets a logger for the registry and its caches.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) error {
		r.logger = logger
		return nil
	}
}

// WithClock sets the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) error {
		if now == nil {
			return errors.New("clock is nil")
		}
		r.now = now
		return nil
	}
}

// WithDefaultTTL sets the TTL new caches start with. Defaults to [DefaultTTL].
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) error {
		if ttl <= 0 {
			return errors.New("default TTL must be positive")
		}
		r.defaultTTL = ttl
		return nil
	}
}

// WithRunConcurrency bounds the number of URLs a single Run resolves at
// once. Zero means unbounded.
func WithRunConcurrency(n int) Option {
	return func(r *Registry) error {
		if n < 0 {
			return errors.New("run concurrency must be >= 0")
		}
		r.runConcurrency = n
		return nil
	}
}

// WithHandleBase sets the prefix of handle URLs, for example
// "http://127.0.0.1:8080/blob/" when [Handles] is mounted at /blob/.
// Defaults to [DefaultHandleBase].
func WithHandleBase(base string) Option {
	return func(r *Registry) error {
		r.handleBase = base
		return nil
	}
}
