package rfc9111

import (
	"net/http"
	"time"

	"github.com/always-cache/transcache/rfc9110"
)

// §  5.3.  Expires
// §
// §     A cache recipient MUST interpret invalid date formats, especially the
// §     value "0", as representing a time in the past (i.e., "already
// §     expired").
// §
// §     If a response includes a Cache-Control header field with the max-age
// §     directive (Section 5.2.2.1), a recipient MUST ignore the Expires
// §     header field.

// getExpires returns the Expires date. Invalid dates are reported as the zero
// time with ok set, meaning already expired.
func getExpires(header http.Header) (expires time.Time, ok bool) {
	values := header.Values("Expires")
	if len(values) == 0 {
		return time.Time{}, false
	}
	exp, err := rfc9110.HttpDate(values[0])
	if err != nil {
		return time.Time{}, true
	}
	return exp, true
}
