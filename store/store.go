// Package store defines the durable key-value store contract used by the
// asset cache, the per-namespace store pool, and an in-memory implementation.
//
// A durable store persists entries keyed by resource URL. It has no native
// expiry: freshness is carried in each entry's Expires header and enforced
// by the cache that reads it.
package store

import (
	"context"
	"errors"
	nethttp "net/http"
	"time"
)

// Header names written on every entry.
const (
	HeaderExpires       = "Expires"
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"
)

// ErrUnavailable is returned by an Opener when durable storage cannot exist
// in the current execution context. Callers degrade to network-only access
// instead of treating it as a failure.
var ErrUnavailable = errors.New("durable storage unavailable")

// Entry is a stored payload with its header set.
type Entry struct {
	Header nethttp.Header
	Body   []byte
}

// Expires returns the entry's expiry time.
//
// A missing or unparseable Expires header yields the Unix epoch, so the
// entry is always considered stale.
func (e *Entry) Expires() time.Time {
	if e == nil || e.Header == nil {
		return time.Unix(0, 0)
	}
	value := e.Header.Get(HeaderExpires)
	if value == "" {
		return time.Unix(0, 0)
	}
	t, err := nethttp.ParseTime(value)
	if err != nil {
		return time.Unix(0, 0)
	}
	return t
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	return &Entry{
		Header: e.Header.Clone(),
		Body:   append([]byte(nil), e.Body...),
	}
}

// Store is a durable key-value store for one namespace.
type Store interface {
	// Match returns the entry stored under key. ok is false on a miss.
	Match(ctx context.Context, key string) (entry *Entry, ok bool, err error)

	// Put stores entry under key, replacing any existing entry.
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry stored under key. It reports false when
	// there was nothing to remove.
	Delete(ctx context.Context, key string) (bool, error)
}

// Opener opens the durable store for a namespace.
type Opener interface {
	Open(ctx context.Context, namespace string) (Store, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, namespace string) (Store, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, namespace string) (Store, error) {
	return f(ctx, namespace)
}
