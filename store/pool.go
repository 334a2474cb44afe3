package store

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Pool opens and memoizes one durable store per namespace.
//
// The first Instance call for a namespace starts the open. Callers arriving
// before it completes share the same attempt, and its outcome (store or
// error) is remembered for the lifetime of the Pool. A failed open is never
// retried.
type Pool struct {
	opener Opener

	mu      sync.Mutex
	opened  map[string]*opened
	opening singleflight.Group
}

type opened struct {
	store Store
	err   error
}

// NewPool creates a Pool that opens stores with opener.
func NewPool(opener Opener) *Pool {
	return &Pool{
		opener: opener,
		opened: make(map[string]*opened),
	}
}

// Instance returns the store for namespace, opening it on first use.
//
// The open itself is not bound to ctx: a caller that gives up waiting gets
// ctx.Err() while the open continues for everyone else.
func (p *Pool) Instance(ctx context.Context, namespace string) (Store, error) {
	if o, ok := p.lookup(namespace); ok {
		return o.store, o.err
	}

	openCtx := context.WithoutCancel(ctx)
	ch := p.opening.DoChan(namespace, func() (any, error) {
		// Another flight may have finished between lookup and DoChan.
		if o, ok := p.lookup(namespace); ok {
			return o, nil
		}
		o := &opened{}
		if p.opener == nil {
			o.err = ErrUnavailable
		} else {
			o.store, o.err = p.opener.Open(openCtx, namespace)
			if o.err == nil && o.store == nil {
				o.err = errors.New("opener returned nil store")
			}
		}
		p.mu.Lock()
		p.opened[namespace] = o
		p.mu.Unlock()
		return o, nil
	})

	select {
	case res := <-ch:
		o, _ := res.Val.(*opened) //nolint:errcheck // flight always returns *opened
		return o.store, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) lookup(namespace string) (*opened, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.opened[namespace]
	return o, ok
}
