package cachekey

import (
	"net"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/always-cache/transcache/rfc9110"
)

const (
	namespaceSeparator = ":"
	methodSeparator    = ":"
	varySeparator      = "\t"
	varyLineSeparator  = "\n"
)

// Key identifies a cache entry. It is comparable and can be used as a map key.
type Key struct {
	// Namespace separates keys of different origins sharing one store.
	Namespace string
	Method    string
	// URL is the normalized scheme, host, path and sorted query.
	URL string
	// Vary holds one line per declared Vary header, in declaration order.
	// It is empty for keys derived without header dimensions.
	Vary string
}

// String returns the textual form used by stores.
func (k Key) String() string {
	return k.Namespace + namespaceSeparator + k.Method + methodSeparator + k.URL + varySeparator + k.Vary
}

// IsBase reports whether the key has no header dimensions.
func (k Key) IsBase() bool {
	return k.Vary == ""
}

// Base returns k without header dimensions.
func (k Key) Base() Key {
	k.Vary = ""
	return k
}

type Keyer struct {
	// Namespace is copied into every key.
	// Usually this identifies the origin.
	Namespace string
}

func NewKeyer(namespace string) Keyer {
	return Keyer{Namespace: namespace}
}

// Base returns the key for a request without any Vary dimensions.
// HEAD requests map to the same key as GET.
func (c Keyer) Base(r *http.Request) Key {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	return Key{
		Namespace: c.Namespace,
		Method:    method,
		URL:       NormalizeURL(r),
	}
}

// WithVary returns the key for a request given the Vary names a resource declared.
// An absent header and an empty header produce different keys.
func (c Keyer) WithVary(r *http.Request, names []string) Key {
	key := c.Base(r)
	if len(names) == 0 {
		return key
	}
	lines := make([]string, 0, len(names))
	for _, name := range names {
		values := r.Header.Values(name)
		if len(values) == 0 {
			lines = append(lines, name)
			continue
		}
		lines = append(lines, name+": "+normalizeFieldValue(values))
	}
	key.Vary = strings.Join(lines, varyLineSeparator)
	return key
}

// VaryNames returns the lower-cased field names listed in the Vary header,
// without duplicates and without accept-encoding, which is handled by
// negotiation instead of keys. star reports "Vary: *".
func VaryNames(header http.Header) (names []string, star bool) {
	names = make([]string, 0)
	for _, name := range rfc9110.ListHeader(header, "Vary") {
		if name == "*" {
			star = true
			continue
		}
		name = strings.ToLower(name)
		if name == "accept-encoding" || slices.Contains(names, name) {
			continue
		}
		names = append(names, name)
	}
	return names, star
}

// NormalizeURL returns scheme://host/path?query with a lower-cased scheme and
// host, the default port removed, an empty path as "/" and query parameters
// sorted by name. Repeated parameters keep their order, and a query that
// does not parse is kept as sent. The fragment is dropped.
func NormalizeURL(r *http.Request) string {
	scheme := strings.ToLower(r.URL.Scheme)
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	host = stripDefaultPort(strings.ToLower(host), scheme)
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	normalized := scheme + "://" + host + path
	if query := sortedQuery(r.URL.RawQuery); query != "" {
		normalized += "?" + query
	}
	return normalized
}

func stripDefaultPort(host, scheme string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if scheme == "http" && port == "80" || scheme == "https" && port == "443" {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

func sortedQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		// ParseQuery drops the pairs it cannot decode
		return rawQuery
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		for _, v := range values[name] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

func normalizeFieldValue(values []string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, strings.Join(strings.Fields(v), " "))
	}
	return strings.Join(parts, ", ")
}
