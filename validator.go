package transcache

import (
	"net/http"
	"slices"
	"strconv"

	"github.com/always-cache/transcache/cache"
	"github.com/always-cache/transcache/pkg/codec"
	"github.com/always-cache/transcache/rfc9110"
	"github.com/always-cache/transcache/rfc9111"
	"github.com/always-cache/transcache/rfc9211"
)

// notModified evaluates the request's preconditions against a cached entry.
// If-None-Match takes precedence over If-Modified-Since.
func (c *Cache) notModified(r *http.Request, entry *cache.Entry) bool {
	if entry.Status != http.StatusOK {
		return false
	}
	return rfc9110.NotModified(r, entry.ETag, entry.LastModified, c.config.StrongValidation)
}

// writeEntry sends rep, or a 304 if the request's preconditions allow it.
// It returns the status sent.
func (c *Cache) writeEntry(w http.ResponseWriter, r *http.Request, entry *cache.Entry, rep *cache.Representation, cs rfc9211.CacheStatus) int {
	h := w.Header()
	now := c.now()
	if ttl, ok := entry.TTL(now); ok {
		cs.TimeToLive, cs.HasTTL = max(ttl, 0), true
	}

	if c.notModified(r, entry) {
		for _, name := range rfc9110.NotModifiedHeaders {
			if values := entry.Header.Values(name); len(values) > 0 {
				h[http.CanonicalHeaderKey(name)] = slices.Clone(values)
			}
		}
		setValidators(h, entry)
		setVary(h, entry)
		cs.Append(h)
		w.WriteHeader(http.StatusNotModified)
		return http.StatusNotModified
	}

	for name, values := range entry.Header {
		h[name] = slices.Clone(values)
	}
	if rep.Encoding != codec.Identity {
		h.Set("Content-Encoding", rep.Encoding.String())
	} else {
		h.Del("Content-Encoding")
	}
	setValidators(h, entry)
	h.Set("Age", rfc9111.DeltaSeconds(max(now.Sub(entry.StoredAt), 0)))
	setVary(h, entry)
	cs.Append(h)
	if !bodyAllowed(entry.Status) {
		w.WriteHeader(entry.Status)
		return entry.Status
	}
	h.Set("Content-Length", strconv.Itoa(rep.ContentLength()))
	w.WriteHeader(entry.Status)
	if r.Method != http.MethodHead {
		if _, err := w.Write(rep.Body); err != nil {
			c.log.Debug().Err(err).Msg("Could not write response body to client")
		}
	}
	return entry.Status
}

func setValidators(h http.Header, entry *cache.Entry) {
	if entry.ETag != "" {
		h.Set("ETag", entry.ETag)
	}
	if !entry.LastModified.IsZero() {
		h.Set("Last-Modified", rfc9110.FormatHttpDate(entry.LastModified))
	}
}

// setVary lists the entry's Vary names, and Accept-Encoding for encodable
// entries, merged with what the field already holds.
func setVary(h http.Header, entry *cache.Entry) {
	names := make([]string, 0, len(entry.VaryHeaders)+1)
	for _, name := range entry.VaryHeaders {
		names = append(names, http.CanonicalHeaderKey(name))
	}
	if entry.Encodable {
		names = append(names, "Accept-Encoding")
	}
	addVary(h, names...)
}
