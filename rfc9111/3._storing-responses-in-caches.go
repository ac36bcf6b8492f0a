package rfc9111

import "net/http"

// §  3.  Storing Responses in Caches
// §
// §     A cache MUST NOT store a response to a request unless:
// §
// §     *  the request method is understood by the cache;
// §
// §     *  the response status code is final (see Section 15 of [HTTP]);
// §
// §     *  if the response status code is 206 or 304, or the must-understand
// §        cache directive (see Section 5.2.2.3) is present: the cache
// §        understands the response status code;
// §
// §     *  the no-store cache directive is not present in the response (see
// §        Section 5.2.2.5);
// §
// §     *  if the cache is shared: the private response directive is either
// §        not present or allows a shared cache to store a modified response;
// §        see Section 5.2.2.7);
// §
// §     *  if the cache is shared: the Authorization header field is not
// §        present in the request (see Section 11.6.2 of [HTTP]) or a
// §        response directive is present that explicitly allows shared
// §        caching (see Section 3.5); and
// §
// §     *  the response contains at least one of the following:
// §
// §        -  a public response directive (see Section 5.2.2.9);
// §
// §        -  a private response directive, if the cache is not shared (see
// §           Section 5.2.2.7);
// §
// §        -  an Expires header field (see Section 5.3);
// §
// §        -  a max-age response directive (see Section 5.2.2.1);
// §
// §        -  if the cache is shared: an s-maxage response directive (see
// §           Section 5.2.2.10);
// §
// §        -  a cache extension that allows it to be cached (see
// §           Section 5.2.3); or
// §
// §        -  a status code that is defined as heuristically cacheable (see
// §           Section 4.2.2).

// MustNotStore reports whether a shared cache must not store the response
// with the given status and header to req.
func MustNotStore(req *http.Request, status int, header http.Header) bool {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	if !requestMethodIsUnderstood(req.Method) ||
		!responseStatusCodeIsFinal(status) ||
		!statusCodeUnderstoodIfNeeded(status, cc) ||
		cc.HasDirective("no-store") ||
		cc.HasDirective("private") {
		return true
	}
	if req.Header.Get("Authorization") != "" && !mayUseResponseForAuthenticatedRequest(cc) {
		return true
	}
	// the "response contains" list is not checked: cacheability of
	// responses without explicit freshness is decided by configuration
	return false
}

// statusCodeUnderstoodIfNeeded returns false if the status code needs to be
// understood and is not.
func statusCodeUnderstoodIfNeeded(status int, cc CacheControl) bool {
	if status == http.StatusPartialContent || status == http.StatusNotModified || cc.HasDirective("must-understand") {
		return responseStatusCodeIsUnderstood(status)
	}
	return true
}

func requestMethodIsUnderstood(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

// partial content is never stored, so 206 is not understood
func responseStatusCodeIsUnderstood(status int) bool {
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

func responseStatusCodeIsFinal(status int) bool {
	return status >= 200 && status <= 599
}

// §  3.5.  Storing Responses to Authenticated Requests
// §
// §     A shared cache MUST NOT use a cached response to a request with an
// §     Authorization header field (Section 11.6.2 of [HTTP]) to satisfy any
// §     subsequent request unless the response contains a Cache-Control field
// §     with a response directive (Section 5.2.2) that allows it to be stored
// §     by a shared cache, and the cache conforms to the requirements of that
// §     directive for that response.
// §
// §     In this specification, the following Cache-Control response
// §     directives have such an effect: must-revalidate (Section 5.2.2.2),
// §     public (Section 5.2.2.9), and s-maxage (Section 5.2.2.10).
func mayUseResponseForAuthenticatedRequest(cc CacheControl) bool {
	return cc.HasDirective("public") || cc.HasDirective("s-maxage") || cc.HasDirective("must-revalidate")
}
