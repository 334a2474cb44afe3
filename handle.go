package assetcache

import (
	"bytes"
	nethttp "net/http"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meigma/assetcache/store"
)

// DefaultHandleBase prefixes handle URLs when no base is configured.
const DefaultHandleBase = "blob:"

// Handle is a locally dereferenceable reference to a resolved asset.
//
// The bytes returned by Bytes are shared with every holder of the handle
// and must not be modified.
type Handle struct {
	id          string
	url         string
	source      string
	contentType string
	data        []byte
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// URL returns the local URL under which the handle is served.
func (h *Handle) URL() string { return h.url }

// Source returns the resource URL the handle was resolved from.
func (h *Handle) Source() string { return h.source }

// ContentType returns the media type of the bytes.
func (h *Handle) ContentType() string { return h.contentType }

// Size returns the payload length in bytes.
func (h *Handle) Size() int { return len(h.data) }

// Bytes returns the payload.
func (h *Handle) Bytes() []byte { return h.data }

// Reader returns a new reader over the payload.
func (h *Handle) Reader() *bytes.Reader { return bytes.NewReader(h.data) }

// Handles mints handles and serves their bytes over HTTP.
//
// ServeHTTP resolves the last path element of the request as a handle ID,
// so Handles can be mounted at any prefix matching its base.
type Handles struct {
	base string

	mu   sync.RWMutex
	byID map[string]*Handle
}

// NewHandles creates a handle registry whose URLs start with base.
func NewHandles(base string) *Handles {
	if base == "" {
		base = DefaultHandleBase
	}
	return &Handles{
		base: base,
		byID: make(map[string]*Handle),
	}
}

// Lookup returns the handle with the given ID.
func (hs *Handles) Lookup(id string) (*Handle, bool) {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	h, ok := hs.byID[id]
	return h, ok
}

// Len returns the number of live handles.
func (hs *Handles) Len() int {
	hs.mu.RLock()
	defer hs.mu.RUnlock()
	return len(hs.byID)
}

// ServeHTTP implements http.Handler.
func (hs *Handles) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	h, ok := hs.Lookup(path.Base(r.URL.Path))
	if !ok {
		nethttp.NotFound(w, r)
		return
	}
	w.Header().Set(store.HeaderContentType, h.contentType)
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	nethttp.ServeContent(w, r, "", time.Time{}, h.Reader())
}

func (hs *Handles) create(source string, data []byte, header nethttp.Header) *Handle {
	contentType := header.Get(store.HeaderContentType)
	if contentType == "" {
		contentType = nethttp.DetectContentType(data)
	}
	id := uuid.NewString()
	h := &Handle{
		id:          id,
		url:         hs.base + id,
		source:      source,
		contentType: contentType,
		data:        data,
	}
	hs.mu.Lock()
	hs.byID[id] = h
	hs.mu.Unlock()
	return h
}
