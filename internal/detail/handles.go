package detail

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// HandlePrefix starts every handle issued by a HandleRegistry.
const HandlePrefix = "blob:mailsync/"

type blob struct {
	data []byte
	mime string
}

// HandleRegistry holds fetched binary objects under revocable local
// handles. A revoked handle can no longer be opened.
type HandleRegistry struct {
	mu    sync.RWMutex
	blobs map[string]blob
}

// NewHandleRegistry creates an empty registry.
func NewHandleRegistry() *HandleRegistry {
	return &HandleRegistry{blobs: make(map[string]blob)}
}

// Create stores data and returns a new handle for it.
func (r *HandleRegistry) Create(data []byte, mime string) string {
	h := HandlePrefix + uuid.New().String()

	r.mu.Lock()
	r.blobs[h] = blob{data: data, mime: mime}
	r.mu.Unlock()
	return h
}

// Open returns the content behind a live handle.
func (r *HandleRegistry) Open(handle string) ([]byte, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.blobs[handle]
	return b.data, b.mime, ok
}

// Revoke releases handle. It reports whether the handle was live.
func (r *HandleRegistry) Revoke(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.blobs[handle]; !ok {
		return false
	}
	delete(r.blobs, handle)
	return true
}

// Len returns the number of live handles.
func (r *HandleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blobs)
}

// BlobFetcher downloads a binary object by blob id.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, blobID, name string) ([]byte, string, error)
}

// HandleSet is the inline-image handle map of one message detail. Each
// content id is fetched at most once; later lookups reuse the handle or
// the recorded failure. Release revokes every handle in the set.
type HandleSet struct {
	registry *HandleRegistry
	fetcher  BlobFetcher
	flights  singleflight.Group

	mu      sync.Mutex
	handles map[string]string
	failed  map[string]bool
	closed  bool
}

// NewHandleSet creates an empty set that fetches through fetcher.
func NewHandleSet(registry *HandleRegistry, fetcher BlobFetcher) *HandleSet {
	return &HandleSet{
		registry: registry,
		fetcher:  fetcher,
		handles:  make(map[string]string),
		failed:   make(map[string]bool),
	}
}

// Handle returns the local handle for cid, fetching blobID the first
// time cid is seen. ok is false when the fetch failed or the set has
// been released.
func (s *HandleSet) Handle(ctx context.Context, cid, blobID string) (string, bool) {
	s.mu.Lock()
	if s.closed || s.failed[cid] {
		s.mu.Unlock()
		return "", false
	}
	if h, ok := s.handles[cid]; ok {
		s.mu.Unlock()
		return h, true
	}
	s.mu.Unlock()

	v, _, _ := s.flights.Do(cid, func() (interface{}, error) {
		return s.fetch(ctx, cid, blobID), nil
	})
	h := v.(string)
	return h, h != ""
}

func (s *HandleSet) fetch(ctx context.Context, cid, blobID string) string {
	s.mu.Lock()
	if h, ok := s.handles[cid]; ok {
		s.mu.Unlock()
		return h
	}
	s.mu.Unlock()

	data, mime, err := s.fetcher.FetchBlob(ctx, blobID, cid+".bin")

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failed[cid] = true
		return ""
	}
	h := s.registry.Create(data, mime)
	if s.closed {
		s.registry.Revoke(h)
		return ""
	}
	s.handles[cid] = h
	return h
}

// Handles returns the live handles keyed by content id.
func (s *HandleSet) Handles() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.handles))
	for k, v := range s.handles {
		out[k] = v
	}
	return out
}

// Release revokes every handle and closes the set. Fetches that finish
// afterwards are revoked immediately. It returns the number of handles
// revoked.
func (s *HandleSet) Release() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for cid, h := range s.handles {
		if s.registry.Revoke(h) {
			n++
		}
		delete(s.handles, cid)
	}
	s.closed = true
	return n
}

// normalizeCID strips the optional angle brackets of a Content-ID.
func normalizeCID(cid string) string {
	cid = strings.TrimSpace(cid)
	cid = strings.TrimPrefix(cid, "<")
	return strings.TrimSuffix(cid, ">")
}
