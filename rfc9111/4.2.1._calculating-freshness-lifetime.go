package rfc9111

import (
	"net/http"
	"time"

	"github.com/always-cache/transcache/rfc9110"
)

// §  4.2.1.  Calculating Freshness Lifetime
// §
// §     A cache can calculate the freshness lifetime (denoted as
// §     freshness_lifetime) of a response by evaluating the following rules
// §     and using the first match:
// §
// §     *  If the cache is shared and the s-maxage response directive
// §        (Section 5.2.2.10) is present, use its value, or
// §
// §     *  If the max-age response directive (Section 5.2.2.1) is present,
// §        use its value, or
// §
// §     *  If the Expires response header field (Section 5.3) is present, use
// §        its value minus the value of the Date response header field (using
// §        the time the message was received if it is not present, as per
// §        Section 6.6.1 of [HTTP]), or
// §
// §     *  Otherwise, no explicit expiration time is present in the response.
// §        A heuristic freshness lifetime might be applicable; see
// §        Section 4.2.2.

// FreshnessLifetime returns the explicit freshness lifetime of a response
// received at now. The boolean is false when the response has no explicit
// expiration time.
func FreshnessLifetime(header http.Header, now time.Time) (time.Duration, bool) {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	if val, ok := cc.SMaxAge(); ok {
		return val, true
	}
	if val, ok := cc.MaxAge(); ok {
		return val, true
	}
	if expires, ok := getExpires(header); ok {
		date := now
		if d, err := rfc9110.HttpDate(header.Get("Date")); err == nil {
			date = d
		}
		if expires.IsZero() || !expires.After(date) {
			return 0, true
		}
		return expires.Sub(date), true
	}
	return 0, false
}
