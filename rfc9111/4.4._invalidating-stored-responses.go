package rfc9111

import (
	"net/http"
	"net/url"
	"strings"
)

// §  4.4.  Invalidating Stored Responses
// §
// §     Because unsafe request methods (Section 9.2.1 of [HTTP]) such as PUT,
// §     POST, or DELETE have the potential for changing state on the origin
// §     server, intervening caches are required to invalidate stored
// §     responses to keep their contents up to date.

// UnsafeRequest reports whether the request method is not known to be safe.
func UnsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// InvalidatedURIs returns the URIs whose stored responses are invalidated by
// the response to req, or nil if there are none.
func InvalidatedURIs(req *http.Request, status int, header http.Header) []*url.URL {
	// §     A "non-error response" is one with a 2xx (Successful) or 3xx
	// §     (Redirection) status code.
	if !UnsafeRequest(req) || status < 200 || status > 399 {
		return nil
	}
	// §     A cache MUST invalidate the target URI (Section 7.1 of [HTTP]) when
	// §     it receives a non-error status code in response to an unsafe request
	// §     method (including methods whose safety is unknown).
	target := targetURI(req)
	uris := []*url.URL{target}
	// §     In particular, the URI(s) in the Location and
	// §     Content-Location response header fields (if present) are candidates
	// §     for invalidation; [...] However, a cache MUST NOT trigger an
	// §     invalidation under these conditions if the origin (Section 4.3.1 of
	// §     [HTTP]) of the URI to be invalidated differs from that of the target
	// §     URI (Section 7.1 of [HTTP]).
	for _, name := range []string{"Location", "Content-Location"} {
		value := header.Get(name)
		if value == "" {
			continue
		}
		ref, err := url.Parse(value)
		if err != nil {
			continue
		}
		u := target.ResolveReference(ref)
		if sameOrigin(u, target) && u.String() != target.String() {
			uris = append(uris, u)
		}
	}
	return uris
}

func targetURI(req *http.Request) *url.URL {
	u := *req.URL
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	if req.Host != "" {
		u.Host = req.Host
	}
	u.Fragment = ""
	return &u
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
