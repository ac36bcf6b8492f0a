package transcache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
	"github.com/always-cache/transcache/rfc9110"
	"github.com/always-cache/transcache/rfc9111"
)

// Control headers let upstream handlers steer the cache per response.
// They are never stored nor sent to clients.
const (
	// HeaderCache is "true" or "false" and overrides NotCacheableByDefault.
	HeaderCache = "XX-Cache"
	// HeaderEncode is "true" or "false" and overrides NotEncodableByDefault.
	HeaderEncode = "XX-Encode"
	// HeaderCacheDuration is a Go duration that overrides every other freshness source.
	HeaderCacheDuration = "XX-Cache-Duration"
)

var controlHeaders = []string{HeaderCache, HeaderEncode, HeaderCacheDuration}

// fields that are either recomputed for each response or meaningless once stored
var unstoredHeaders = []string{
	"Accept-Ranges",
	"Age",
	"Cache-Status",
	"Content-Digest",
	"Content-Encoding",
	"Content-Length",
	"Date",
	"ETag",
	"Last-Modified",
	"Repr-Digest",
	"Vary",
}

func stripControlHeaders(h http.Header) {
	for _, name := range controlHeaders {
		h.Del(name)
	}
}

// storedHeader returns the response fields kept in a cache entry.
func storedHeader(header http.Header) http.Header {
	h := rfc9111.StorableHeader(header)
	stripControlHeaders(h)
	for _, name := range unstoredHeaders {
		h.Del(name)
	}
	return h
}

func controlBool(h http.Header, name string) (value, ok bool) {
	v := h.Get(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, false
	}
	return b, true
}

func controlDuration(h http.Header) (time.Duration, bool) {
	v := h.Get(HeaderCacheDuration)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

type storagePolicy struct {
	store bool
	// reason is set when store is false
	reason string
	ttl    time.Duration
	// expires is false for responses that never go stale
	expires bool
}

func (p storagePolicy) expiresAt(now time.Time) time.Time {
	if !p.expires {
		return time.Time{}
	}
	return now.Add(p.ttl)
}

func skip(reason string) storagePolicy {
	return storagePolicy{reason: reason}
}

// policyFor decides whether a response may be stored, and for how long.
func (c *Cache) policyFor(r *http.Request, status int, header http.Header, size int, now time.Time) storagePolicy {
	cacheable := !c.config.NotCacheableByDefault
	if v, ok := controlBool(header, HeaderCache); ok {
		cacheable = v
	}
	switch {
	case !cacheable:
		return skip(HeaderCache)
	case r.Method != http.MethodGet && r.Method != http.MethodHead:
		return skip("method")
	case (status < 200 || status > 299) && !c.config.CacheErrorResponses:
		return skip("status")
	case header.Get("Content-Range") != "":
		return skip("range")
	case int64(size) < c.config.MinCacheableSize:
		return skip("too small")
	case c.config.MaxCacheableSize > 0 && int64(size) > c.config.MaxCacheableSize:
		return skip("too large")
	case rfc9111.MustNotStore(r, status, header):
		return skip("cache-control")
	case rfc9111.ParseCacheControl(header.Values("Cache-Control")).HasDirective("no-cache"):
		// every reuse would need revalidation
		return skip("no-cache")
	}
	if _, star := cachekey.VaryNames(header); star {
		return skip("vary")
	}
	if c.config.CacheableByResponse != nil && !c.config.CacheableByResponse(r, status, header) {
		return skip("hook")
	}
	ttl, expires := c.freshness(r, status, header, now)
	if expires && ttl <= 0 {
		return skip("no freshness")
	}
	return storagePolicy{store: true, ttl: ttl, expires: expires}
}

// freshness returns the lifetime of a response, taken from the first of
// XX-Cache-Duration, the CacheDuration hook, s-maxage, max-age, Expires
// and DefaultTTL that applies.
func (c *Cache) freshness(r *http.Request, status int, header http.Header, now time.Time) (time.Duration, bool) {
	if d, ok := controlDuration(header); ok {
		return d, true
	}
	if c.config.CacheDuration != nil {
		if d := c.config.CacheDuration(r, status, header); d >= 0 {
			return d, true
		}
	}
	if d, ok := rfc9111.FreshnessLifetime(header, now); ok {
		return d, true
	}
	if c.config.DefaultTTL > 0 {
		return c.config.DefaultTTL, true
	}
	return 0, false
}

// responseEncodable decides whether a response body may be given a content coding.
// size is the identity body size, or -1 if unknown.
func (c *Cache) responseEncodable(r *http.Request, status int, header http.Header, size int) bool {
	encodable := !c.config.NotEncodableByDefault
	if v, ok := controlBool(header, HeaderEncode); ok {
		encodable = v
	}
	if !encodable || !bodyAllowed(status) || status == http.StatusPartialContent || header.Get("Content-Range") != "" {
		return false
	}
	if rfc9111.ParseCacheControl(header.Values("Cache-Control")).HasDirective("no-transform") {
		return false
	}
	if size >= 0 && int64(size) < c.config.MinEncodableSize {
		return false
	}
	return c.config.EncodableByResponse == nil || c.config.EncodableByResponse(r, status, header)
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

// addVary adds names to the Vary field unless already listed.
func addVary(h http.Header, names ...string) {
	current := rfc9110.ListHeader(h, "Vary")
	changed := false
	for _, name := range names {
		listed := false
		for _, c := range current {
			if strings.EqualFold(c, name) {
				listed = true
				break
			}
		}
		if !listed {
			current = append(current, name)
			changed = true
		}
	}
	if changed {
		h.Set("Vary", strings.Join(current, ", "))
	}
}
