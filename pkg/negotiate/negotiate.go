// Package negotiate selects a content coding from a client's Accept-Encoding
// field, the server's preference and what is already cached.
package negotiate

import (
	"errors"
	"net/http"
	"slices"
	"sort"

	"github.com/always-cache/transcache/pkg/codec"
	"github.com/always-cache/transcache/rfc9110"
)

// ErrNotAcceptable means no encoding, identity included, is acceptable to the client.
var ErrNotAcceptable = errors.New("no acceptable content coding")

// Accept is a parsed Accept-Encoding field.
type Accept struct {
	codings []rfc9110.Coding
}

// ParseRequest parses the Accept-Encoding field lines of r.
func ParseRequest(r *http.Request) Accept {
	return Parse(r.Header.Values("Accept-Encoding")...)
}

// Parse builds an Accept from raw field values.
func Parse(values ...string) Accept {
	return Accept{codings: rfc9110.ParseAcceptEncoding(values)}
}

// Weight returns the client weight for an encoding and whether it was listed explicitly.
// A missing field only accepts identity.
func (a Accept) Weight(e codec.Encoding) (q float64, explicit bool) {
	token := e.String()
	star, hasStar := 0.0, false
	for _, c := range a.codings {
		if c.Token == token || (e == codec.GZip && c.Token == "x-gzip") {
			return c.Q, true
		}
		if c.Token == "*" {
			star, hasStar = c.Q, true
		}
	}
	if e == codec.Identity {
		// acceptable unless excluded by "*;q=0"
		if hasStar {
			return star, false
		}
		return 1, false
	}
	if hasStar {
		return star, false
	}
	return 0, false
}

// Result is the outcome of a negotiation.
type Result struct {
	// Encoding is the selected encoding.
	Encoding codec.Encoding
	// Acceptable lists the acceptable non-identity encodings, best first.
	Acceptable []codec.Encoding
}

// Negotiate picks an encoding.
//
// Among the supported encodings the client accepts, one that is already
// cached is preferred; otherwise the highest client weight wins. Ties are
// broken by the order of supported. Identity is only chosen when nothing
// else is acceptable.
func Negotiate(accept Accept, supported []codec.Encoding, cached []codec.Encoding) (Result, error) {
	type candidate struct {
		encoding codec.Encoding
		q        float64
		rank     int
	}
	candidates := make([]candidate, 0, len(supported))
	for rank, e := range supported {
		if e == codec.Identity {
			continue
		}
		if q, _ := accept.Weight(e); q > 0 {
			candidates = append(candidates, candidate{encoding: e, q: q, rank: rank})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].q != candidates[j].q {
			return candidates[i].q > candidates[j].q
		}
		return candidates[i].rank < candidates[j].rank
	})

	result := Result{Acceptable: make([]codec.Encoding, len(candidates))}
	for i, c := range candidates {
		result.Acceptable[i] = c.encoding
	}
	for _, e := range result.Acceptable {
		if slices.Contains(cached, e) {
			result.Encoding = e
			return result, nil
		}
	}
	if len(result.Acceptable) > 0 {
		result.Encoding = result.Acceptable[0]
		return result, nil
	}
	if q, _ := accept.Weight(codec.Identity); q > 0 {
		result.Encoding = codec.Identity
		return result, nil
	}
	return result, ErrNotAcceptable
}

// IdentityAcceptable reports whether the client accepts an unencoded response.
func (a Accept) IdentityAcceptable() bool {
	q, _ := a.Weight(codec.Identity)
	return q > 0
}
