// Package rfc9211 builds Cache-Status header field members (RFC 9211).
//
// Comments starting with § quote the RFC.
package rfc9211

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// §  2.  The Cache-Status HTTP Response Header Field
// §
// §     The Cache-Status HTTP response header field indicates caches' handling
// §     of the request corresponding to the response it occurs within.
// §
// §     Its value is a List (Section 3.1 of [STRUCTURED-FIELDS]):
// §
// §     Cache-Status   = sf-list
// §
// §     Each member of the list represents a cache that has handled the
// §     request.  The first member of the list represents the cache closest
// §     to the origin server, and the last member of the list represents the
// §     cache closest to the user (possibly including the user agent's cache
// §     itself, if it appends a value).

// FwdReason is the value of the "fwd" parameter.
type FwdReason string

// §  2.2.  The fwd parameter
const (
	// §  bypass:  The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"
	// §  method:  The request method's semantics require the request to be
	// §     forwarded to the cache.
	FwdReasonMethod FwdReason = "method"
	// §  uri-miss:  The cache did not contain any responses that matched the
	// §     request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"
	// §  vary-miss:  The cache contained a response that matched the request
	// §     URI, but it could not select a response based upon this request's
	// §     header fields and stored Vary header fields.
	FwdReasonVaryMiss FwdReason = "vary-miss"
	// §  miss:  The cache did not contain any responses that could be used to
	// §     satisfy this request.
	FwdReasonMiss FwdReason = "miss"
	// §  request:  The cache was able to select a fresh response for the
	// §     request, but the request's semantics did not allow its use.
	FwdReasonRequest FwdReason = "request"
	// §  stale:  The cache was able to select a response for the request, but
	// §     it was stale.
	FwdReasonStale FwdReason = "stale"
)

// CacheStatus is one member of the Cache-Status field.
type CacheStatus struct {
	// Name identifies the cache.
	Name string
	// §  2.1.  The hit parameter
	hit bool
	// §  2.2.  The fwd parameter
	FwdReason FwdReason
	// §  2.3.  The fwd-status parameter
	FwdStatus int
	// §  2.4.  The ttl parameter
	TimeToLive time.Duration
	HasTTL     bool
	// §  2.5.  The stored parameter
	Stored bool
	// §  2.6.  The collapsed parameter
	// §     "collapsed" indicates whether this request was collapsed together
	// §     with one or more other forward requests.
	Collapsed bool
	// §  2.7.  The key parameter
	Key string
	// §  2.8.  The detail parameter
	Detail string
}

// Hit marks the response as served from cache without going forward.
func (cs *CacheStatus) Hit() {
	cs.hit = true
	cs.FwdReason = ""
}

// Forward marks the request as forwarded towards the origin.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.hit = false
	cs.FwdReason = reason
}

// IsHit reports whether the response was a hit.
func (cs CacheStatus) IsHit() bool {
	return cs.hit
}

// Label is a short token describing the outcome, for logs and metrics.
func (cs CacheStatus) Label() string {
	switch {
	case cs.hit && cs.Detail != "":
		return "hit-" + cs.Detail
	case cs.hit:
		return "hit"
	case cs.Collapsed:
		return "collapsed"
	case cs.FwdReason != "":
		return string(cs.FwdReason)
	}
	return "none"
}

// String serializes the member.
func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cs.Name)
	if cs.hit {
		b.WriteString("; hit")
	} else if cs.FwdReason != "" {
		b.WriteString("; fwd=")
		b.WriteString(string(cs.FwdReason))
		if cs.FwdStatus != 0 {
			b.WriteString("; fwd-status=")
			b.WriteString(strconv.Itoa(cs.FwdStatus))
		}
	}
	if cs.HasTTL {
		b.WriteString("; ttl=")
		b.WriteString(strconv.FormatInt(int64(cs.TimeToLive/time.Second), 10))
	}
	if cs.Stored {
		b.WriteString("; stored")
	}
	if cs.Collapsed {
		b.WriteString("; collapsed")
	}
	if cs.Key != "" {
		b.WriteString("; key=")
		b.WriteString(strconv.Quote(cs.Key))
	}
	if cs.Detail != "" {
		b.WriteString("; detail=")
		b.WriteString(cs.Detail)
	}
	return b.String()
}

// Append adds the member as the right-most value of the Cache-Status field.
//
// §     Caches SHOULD preserve the existing field value, adding their entry
// §     to the right-most position.
func (cs CacheStatus) Append(header http.Header) {
	existing := header.Values("Cache-Status")
	if len(existing) == 0 {
		header.Set("Cache-Status", cs.String())
		return
	}
	header.Set("Cache-Status", strings.Join(existing, ", ")+", "+cs.String())
}
