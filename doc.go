// Package assetcache fetches remote binary assets over HTTP, persists them in
// a durable store keyed by URL, and hands out local handles to the bytes.
//
// A [Registry] produces one [Cache] per namespace (for example "image" or
// "audio"). Each Cache:
//   - returns a memoized [Handle] immediately once a URL has resolved,
//   - shares a single in-flight resolution among concurrent callers for the
//     same URL, so N callers cause one fetch and one store write,
//   - serves stored entries until their Expires header passes, then deletes
//     and re-fetches them,
//   - degrades to network-only access when durable storage is unavailable.
//
// # Quick Start
//
//	reg, err := assetcache.NewRegistry(
//	    assetcache.WithOpener(disk.Opener("/var/cache/assets")),
//	)
//	if err != nil {
//	    return err
//	}
//	images := reg.Cache("image").SetTTL(time.Hour)
//	h, err := images.Get(ctx, "https://cdn.example.com/cover.jpg")
//	if err != nil {
//	    return err
//	}
//	render(h.URL())
//
// # Batches
//
// [Cache.Run] groups items by URL, resolves each distinct URL once, and
// reports every item through its own callbacks:
//
//	images.Run(ctx, []*assetcache.Item{
//	    {URL: a, OnSuccess: show, OnFailure: markInvalid},
//	    {URL: a, OnSuccess: showThumb},
//	    {URL: b, OnSuccess: show, OnFailure: markInvalid},
//	})
//
// # Cancellation
//
// The context passed to the call that starts a resolution cancels the
// network fetch for every caller sharing it. Cache hits are never cancelled.
//
// # Handles
//
// Handles are served by [Handles], an [net/http.Handler], so a renderer can
// dereference [Handle.URL] without touching the origin again. Handles are
// never evicted for the lifetime of the Registry.
package assetcache
