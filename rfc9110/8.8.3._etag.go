package rfc9110

import (
	"strings"
)

// §  8.8.3.  ETag
// §
// §    ETag       = entity-tag
// §
// §    entity-tag = [ weak ] opaque-tag
// §    weak       = %s"W/"
// §    opaque-tag = DQUOTE *etagc DQUOTE

// ETag is a parsed entity-tag. Tag holds the opaque-tag including its quotes.
type ETag struct {
	Tag  string
	Weak bool
}

func (e ETag) String() string {
	if e.Weak {
		return "W/" + e.Tag
	}
	return e.Tag
}

// ParseETag parses a single entity-tag.
// Tags sent without the surrounding quotes are accepted and quoted.
func ParseETag(s string) (ETag, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ETag{}, false
	}
	var etag ETag
	if strings.HasPrefix(s, "W/") {
		etag.Weak = true
		s = s[2:]
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if strings.ContainsRune(s[1:len(s)-1], '"') {
			return ETag{}, false
		}
		etag.Tag = s
		return etag, true
	}
	if strings.ContainsAny(s, "\" ") {
		return ETag{}, false
	}
	etag.Tag = `"` + s + `"`
	return etag, true
}

// §  8.8.3.2.  Comparison
// §
// §     Strong comparison:  two entity tags are equivalent if both are not
// §        weak and their opaque-tags match character-by-character.
// §
// §     Weak comparison:  two entity tags are equivalent if their opaque-tags
// §        match character-by-character, regardless of either or both being
// §        tagged as "weak".

// StrongMatch implements strong comparison.
func StrongMatch(a, b ETag) bool {
	return !a.Weak && !b.Weak && a.Tag == b.Tag
}

// WeakMatch implements weak comparison.
func WeakMatch(a, b ETag) bool {
	return a.Tag == b.Tag
}
