package transcache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/always-cache/transcache/rfc9110"
)

func TestFreshnessPrecedence(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCache(t, Config{
		DefaultTTL: time.Hour,
		CacheDuration: func(r *http.Request, status int, header http.Header) time.Duration {
			if header.Get("X-Hook") != "" {
				return 2 * time.Minute
			}
			return -1
		},
	})

	tests := []struct {
		name   string
		header http.Header
		ttl    time.Duration
	}{
		{"control header", http.Header{HeaderCacheDuration: {"5m"}, "X-Hook": {"1"}, "Cache-Control": {"max-age=60"}}, 5 * time.Minute},
		{"hook", http.Header{"X-Hook": {"1"}, "Cache-Control": {"max-age=60"}}, 2 * time.Minute},
		{"s-maxage", http.Header{"Cache-Control": {"max-age=60, s-maxage=30"}}, 30 * time.Second},
		{"max-age", http.Header{"Cache-Control": {"max-age=60"}}, time.Minute},
		{"expires", http.Header{
			"Date":    {rfc9110.FormatHttpDate(now)},
			"Expires": {rfc9110.FormatHttpDate(now.Add(90 * time.Second))},
		}, 90 * time.Second},
		{"default", http.Header{}, time.Hour},
		{"invalid control header", http.Header{HeaderCacheDuration: {"soon"}}, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ttl, ok := c.freshness(httptest.NewRequest("GET", "/", nil), http.StatusOK, tt.header, now)
			if !ok || ttl != tt.ttl {
				t.Fatalf("ttl is %v (%v), expected %v", ttl, ok, tt.ttl)
			}
		})
	}

	if _, ok := newTestCache(t, Config{}).freshness(httptest.NewRequest("GET", "/", nil), http.StatusOK, http.Header{}, now); ok {
		t.Fatal("without DefaultTTL a response should never expire")
	}
}

func TestStoragePolicy(t *testing.T) {
	now := time.Now()
	c := newTestCache(t, Config{MinCacheableSize: 2})

	tests := []struct {
		name   string
		method string
		status int
		header http.Header
		size   int
		store  bool
	}{
		{"plain", "GET", 200, http.Header{}, 10, true},
		{"head", "HEAD", 200, http.Header{}, 10, true},
		{"post", "POST", 200, http.Header{}, 10, false},
		{"control header", "GET", 200, http.Header{HeaderCache: {"false"}}, 10, false},
		{"server error", "GET", 500, http.Header{}, 10, false},
		{"not found", "GET", 404, http.Header{}, 10, false},
		{"no-store", "GET", 200, http.Header{"Cache-Control": {"no-store"}}, 10, false},
		{"private", "GET", 200, http.Header{"Cache-Control": {"private"}}, 10, false},
		{"vary star", "GET", 200, http.Header{"Vary": {"*"}}, 10, false},
		{"range", "GET", 200, http.Header{"Content-Range": {"bytes 0-9/100"}}, 10, false},
		{"too small", "GET", 200, http.Header{}, 1, false},
		{"too large", "GET", 200, http.Header{}, defaultMaxCacheableSize + 1, false},
		{"max-age zero", "GET", 200, http.Header{"Cache-Control": {"max-age=0"}}, 10, false},
		{"no-cache", "GET", 200, http.Header{"Cache-Control": {"no-cache"}}, 10, false},
		{"no-cache with max-age", "GET", 200, http.Header{"Cache-Control": {"max-age=60, no-cache"}}, 10, false},
		{"max-age zero must-revalidate", "GET", 200, http.Header{"Cache-Control": {"max-age=0, must-revalidate"}}, 10, false},
		{"zero duration", "GET", 200, http.Header{HeaderCacheDuration: {"0s"}}, 10, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := c.policyFor(httptest.NewRequest(tt.method, "/", nil), tt.status, tt.header, tt.size, now)
			if p.store != tt.store {
				t.Fatalf("store is %v (%s)", p.store, p.reason)
			}
		})
	}
}

func TestStoragePolicyErrorResponses(t *testing.T) {
	c := newTestCache(t, Config{CacheErrorResponses: true})
	p := c.policyFor(httptest.NewRequest("GET", "/", nil), http.StatusNotFound, http.Header{}, 10, time.Now())
	if !p.store {
		t.Fatalf("404 not stored: %s", p.reason)
	}
}

func TestNotCacheableByDefault(t *testing.T) {
	c := newTestCache(t, Config{NotCacheableByDefault: true})
	r := httptest.NewRequest("GET", "/", nil)
	if c.policyFor(r, 200, http.Header{}, 10, time.Now()).store {
		t.Fatal("stored without opt-in")
	}
	if !c.policyFor(r, 200, http.Header{HeaderCache: {"true"}}, 10, time.Now()).store {
		t.Fatal("opt-in ignored")
	}
}

func TestResponseEncodable(t *testing.T) {
	c := newTestCache(t, Config{
		MinEncodableSize: 8,
		EncodableByResponse: func(r *http.Request, status int, header http.Header) bool {
			return header.Get("Content-Type") != "image/png"
		},
	})
	r := httptest.NewRequest("GET", "/", nil)

	tests := []struct {
		name      string
		status    int
		header    http.Header
		size      int
		encodable bool
	}{
		{"plain", 200, http.Header{}, 100, true},
		{"unknown size", 200, http.Header{}, -1, true},
		{"small", 200, http.Header{}, 4, false},
		{"control header", 200, http.Header{HeaderEncode: {"false"}}, 100, false},
		{"no-transform", 200, http.Header{"Cache-Control": {"max-age=10, no-transform"}}, 100, false},
		{"partial", 206, http.Header{}, 100, false},
		{"no content", 204, http.Header{}, 0, false},
		{"hook", 200, http.Header{"Content-Type": {"image/png"}}, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.responseEncodable(r, tt.status, tt.header, tt.size); got != tt.encodable {
				t.Fatalf("encodable is %v", got)
			}
		})
	}
}

func TestStoredHeader(t *testing.T) {
	h := storedHeader(http.Header{
		"Content-Type":      {"text/html"},
		"Cache-Control":     {"max-age=60"},
		"Content-Encoding":  {"gzip"},
		"Content-Length":    {"42"},
		"Date":              {"Mon, 01 Jan 2024 00:00:00 GMT"},
		"Etag":              {`"abc"`},
		"Vary":              {"Accept-Language"},
		HeaderCache:         {"true"},
		HeaderCacheDuration: {"1m"},
		"Connection":        {"close"},
	})
	if h.Get("Content-Type") != "text/html" || h.Get("Cache-Control") != "max-age=60" {
		t.Fatalf("missing stored fields: %v", h)
	}
	for _, name := range []string{"Content-Encoding", "Content-Length", "Date", "ETag", "Vary", HeaderCache, HeaderCacheDuration, "Connection"} {
		if h.Get(name) != "" {
			t.Fatalf("%s should not be stored", name)
		}
	}
}

func TestAddVary(t *testing.T) {
	h := http.Header{"Vary": {"accept-encoding, Cookie"}}
	addVary(h, "Accept-Encoding", "Accept-Language")
	if got := h.Get("Vary"); got != "accept-encoding, Cookie, Accept-Language" {
		t.Fatalf("Vary is %q", got)
	}
}
