package assetcache

import (
	assethttp "github.com/meigma/assetcache/http"
	"github.com/meigma/assetcache/internal/payload"
	"github.com/meigma/assetcache/store"
)

// Errors re-exported from store.
var (
	// ErrStorageUnavailable is returned by an opener when durable storage
	// cannot exist in the current context. Caches degrade to network-only
	// access instead of failing.
	ErrStorageUnavailable = store.ErrUnavailable

	// ErrCorruptEntry is reported by stores for entries whose body does not
	// match its recorded digest.
	ErrCorruptEntry = payload.ErrCorrupt
)

// Errors re-exported from http.
var (
	// ErrBodyTooLarge is returned when a response exceeds the fetcher's limit.
	ErrBodyTooLarge = assethttp.ErrBodyTooLarge
)

// StatusError reports a non-2xx response from the origin.
type StatusError = assethttp.StatusError
