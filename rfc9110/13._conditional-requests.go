package rfc9110

import (
	"net/http"
	"strings"
	"time"
)

// §  13.1.2.  If-None-Match
// §
// §     If-None-Match = "*" / #entity-tag
// §
// §     When the field value is "*", the condition is false if the origin
// §     server has a current representation for the target resource.
// §
// §     When the field value is a list of entity tags, the condition is false
// §     if one of the listed tags matches the entity tag of the selected
// §     representation.
// §
// §     A recipient MUST use the weak comparison function when comparing
// §     entity tags for If-None-Match (Section 8.8.3.2), since weak entity
// §     tags can be used for cache validation even if there have been changes
// §     to the representation data.

// IfNoneMatchMatches reports whether any tag in the If-None-Match field matches current.
// The boolean present is false when the request carries no If-None-Match field.
// With strong set, strong comparison is used instead of the weak function.
func IfNoneMatchMatches(header http.Header, current string, strong bool) (matched, present bool) {
	if FieldAbsent(header, "If-None-Match") {
		return false, false
	}
	currentTag, ok := ParseETag(current)
	for _, member := range ListHeader(header, "If-None-Match") {
		if member == "*" {
			return true, true
		}
		if !ok {
			continue
		}
		tag, valid := ParseETag(member)
		if !valid {
			continue
		}
		if strong && StrongMatch(tag, currentTag) || !strong && WeakMatch(tag, currentTag) {
			return true, true
		}
	}
	return false, true
}

// §  13.1.3.  If-Modified-Since
// §
// §     A recipient MUST ignore the If-Modified-Since header field if the
// §     received field value is not a valid HTTP-date, the field value has
// §     more than one member, or if the request method is neither GET nor
// §     HEAD.
// §
// §     The origin server SHOULD NOT perform the requested method if the
// §     selected representation's last modification date is earlier than or
// §     equal to the date provided in the field value; instead, the origin
// §     server SHOULD generate a 304 (Not Modified) response.

// NotModifiedSince reports whether lastModified is at or before the If-Modified-Since date.
func NotModifiedSince(req *http.Request, lastModified time.Time) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	values := req.Header.Values("If-Modified-Since")
	if len(values) != 1 || lastModified.IsZero() {
		return false
	}
	since, err := HttpDate(values[0])
	if err != nil {
		return false
	}
	return !lastModified.Truncate(time.Second).After(since)
}

// §  13.2.2.  Precedence of Preconditions
// §
// §     3.  When If-None-Match is present, evaluate the If-None-Match
// §         precondition:
// §
// §         *  if true, continue to step 5
// §
// §         *  if false for GET/HEAD, respond 304 (Not Modified)
// §
// §     4.  When the method is GET or HEAD, If-None-Match is not present, and
// §         If-Modified-Since is present, evaluate the If-Modified-Since
// §         precondition:
// §
// §         *  if true, continue to step 5
// §
// §         *  if false, respond 304 (Not Modified)

// NotModified decides whether a GET or HEAD request can be answered with 304
// for a representation with the given validators.
func NotModified(req *http.Request, etag string, lastModified time.Time, strong bool) bool {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if matched, present := IfNoneMatchMatches(req.Header, etag, strong); present {
		return matched
	}
	return NotModifiedSince(req, lastModified)
}

// §  15.4.5.  304 Not Modified
// §
// §     The server generating a 304 response MUST generate any of the
// §     following header fields that would have been sent in a 200 (OK)
// §     response to the same request:
// §
// §     *  Content-Location, Date, ETag, and Vary
// §
// §     *  Cache-Control and Expires (see [CACHING])

// NotModifiedHeaders are the fields copied onto a 304 response.
var NotModifiedHeaders = []string{
	"Cache-Control",
	"Content-Location",
	"Date",
	"ETag",
	"Expires",
	"Last-Modified",
	"Vary",
}

// StripConditionals removes the request fields that make an origin answer conditionally.
func StripConditionals(header http.Header) {
	for name := range header {
		if strings.HasPrefix(name, "If-") {
			header.Del(name)
		}
	}
	header.Del("Range")
}
