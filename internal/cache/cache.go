// Package cache implements a file-entry cache keyed by absolute
// path, fingerprinted by hmac(path+size+mtime), buffering raw+gzip payloads
// below a size ceiling and falling back to streaming above it.
package cache

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Entry is one cached file, "Cache entry".
type Entry struct {
	AbsPath string
	URLPath string
	Size    int64
	Mtime   time.Time
	Mime    string
	Tag     string // hmac(path+size+mtime), doubles as the ETag value

	Raw  []byte // nil when streaming-only
	Gzip []byte // nil when streaming-only or not compressible
}

// EtagStrong and EtagWeak format an entry's tag.
func (e *Entry) EtagStrong() string { return fmt.Sprintf("%q", e.Tag) }
func (e *Entry) EtagWeak() string   { return fmt.Sprintf("W/%q", e.Tag) }
func (e *Entry) EtagGzip() string   { return fmt.Sprintf("%q", e.Tag+"-gz") }

// Streaming reports whether this entry must be served by streaming the file
// rather than the buffered Raw/Gzip bytes.
func (e *Entry) Streaming() bool { return e.Raw == nil && e.Gzip == nil }

// Cache is a concurrent path -> Entry map with atomic replace-on-fingerprint-
// change, "Cache: a concurrent map ... atomic replace".
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	secret  []byte

	// Max is the per-entry payload ceiling above which only streaming is
	// served. Limit, if non-zero, bounds the entry count.
	Max   int64
	Limit int
}

// New builds a Cache. secret parametrizes the HMAC fingerprint;
// a process-local random secret is fine since the fingerprint never needs
// to be stable across process restarts, only within one serving process.
func New(secret []byte, max int64, limit int) *Cache {
	return &Cache{entries: make(map[string]*Entry), secret: secret, Max: max, Limit: limit}
}

// Fingerprint computes hmac(path+size+mtime), used to detect when a cached
// entry's underlying file has changed on disk.
func Fingerprint(secret []byte, path string, size int64, mtime time.Time) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%d:%d", path, size, mtime.UnixNano())
	return hex.EncodeToString(mac.Sum(nil))
}

// Get returns the cached entry for path, or nil if absent.
func (c *Cache) Get(path string) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[path]
}

// Put stores (or atomically replaces) an entry. If Limit is set and the
// cache is full, the new entry simply isn't retained: this only enforces a
// global count bound, not an eviction policy, so a full cache degrades to
// streaming-every-time for entries that don't fit instead of evicting an
// arbitrary existing (possibly hotter) entry.
func (c *Cache) Put(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Limit > 0 {
		if _, exists := c.entries[e.AbsPath]; !exists && len(c.entries) >= c.Limit {
			return
		}
	}
	c.entries[e.AbsPath] = e
}

// Delete evicts path.
func (c *Cache) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, path)
}

// Len reports the current entry count. The internal/metrics CacheEntries
// gauge is not updated from it.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stale reports whether a freshly-stat'd (size,mtime) pair differs from the
// entry's recorded fingerprint inputs, meaning the caller should evict and
// repopulate the entry on the next request.
func (e *Entry) Stale(size int64, mtime time.Time) bool {
	return e.Size != size || !e.Mtime.Equal(mtime)
}
