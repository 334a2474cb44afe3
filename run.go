package assetcache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Item is one request in a batch submitted to [Cache.Run].
//
// Several items may name the same URL; they all observe the same outcome.
type Item struct {
	URL       string
	OnSuccess func(*Handle)
	OnFailure func(error)
}

// Result is the outcome for one distinct URL of a batch.
type Result struct {
	URL    string
	Handle *Handle
	Err    error
}

// Run resolves every distinct URL named by items and reports each item
// through its callbacks.
//
// Nil items are skipped. Callbacks for a URL fire in the order their items
// appear, and no two callbacks of one Run execute concurrently. A failure
// for one URL never affects another. Run waits for every URL to settle and
// returns one Result per distinct URL in first-appearance order.
func (c *Cache) Run(ctx context.Context, items []*Item) []Result {
	if err := c.Open(ctx); err != nil {
		// Each Get reports the same failure through OnFailure.
		c.logger.Warn("durable store failed to open", "error", err)
	} else if !c.Available() {
		c.logger.Warn("durable storage unavailable, assets will not persist")
	}

	var order []string
	groups := make(map[string][]*Item)
	for _, it := range items {
		if it == nil {
			continue
		}
		if _, ok := groups[it.URL]; !ok {
			order = append(order, it.URL)
		}
		groups[it.URL] = append(groups[it.URL], it)
	}

	results := make([]Result, len(order))
	var callbacks sync.Mutex
	var g errgroup.Group
	if c.reg.runConcurrency > 0 {
		g.SetLimit(c.reg.runConcurrency)
	}
	for i, url := range order {
		g.Go(func() error {
			h, err := c.Get(ctx, url)
			results[i] = Result{URL: url, Handle: h, Err: err}

			callbacks.Lock()
			defer callbacks.Unlock()
			for _, it := range groups[url] {
				switch {
				case err != nil && it.OnFailure != nil:
					it.OnFailure(err)
				case err == nil && it.OnSuccess != nil:
					it.OnSuccess(h)
				}
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers never return errors
	return results
}
