package cache

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	cachekey "github.com/always-cache/transcache/pkg/cache-key"
	"github.com/always-cache/transcache/pkg/codec"
)

var (
	// ErrNotFound is returned by Get when there is no entry for a key.
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotPurgeable is returned when a store cannot drop all of its entries.
	ErrNotPurgeable = errors.New("store does not support purging")
)

// Store is the contract every cache backend satisfies.
// Operations on the same key must be linearizable: a Put followed by a Get
// observes the written entry unless the backend evicted it in between.
// Backends do not judge freshness; stale entries are returned as-is.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key cachekey.Key) (*Entry, error)
	// Put replaces the entry for key.
	Put(ctx context.Context, key cachekey.Key, entry *Entry) error
	// Remove deletes the entry for key. Removing a missing key is not an error.
	Remove(ctx context.Context, key cachekey.Key) error
}

// Purger is implemented by stores that can drop all of their entries.
type Purger interface {
	Purge(ctx context.Context) error
}

// Representation is one encoded form of a resource. It is never modified once stored.
type Representation struct {
	Encoding     codec.Encoding
	Body         []byte
	ETag         string
	LastModified time.Time
	StoredAt     time.Time
	Expires      time.Time
}

func (r *Representation) ContentLength() int {
	return len(r.Body)
}

// Entry holds every cached representation of one resource state.
// Entries are treated as immutable; With and Without return modified copies.
type Entry struct {
	// VaryHeaders are the lower-cased request fields the resource varies on.
	VaryHeaders     []string
	Representations map[codec.Encoding]*Representation
	// ETag and LastModified are shared by all representations.
	ETag         string
	LastModified time.Time
	StoredAt     time.Time
	// Expires is zero for entries that never go stale.
	Expires time.Time
	Status  int
	// Header holds the stored response fields that do not depend on the encoding.
	Header http.Header
	// Encodable is false for resources that are only served as identity.
	Encodable bool
}

// NewMarker returns an entry that only records the Vary names of a resource.
func NewMarker(varyHeaders []string, storedAt, expires time.Time) *Entry {
	return &Entry{
		VaryHeaders: slices.Clone(varyHeaders),
		StoredAt:    storedAt,
		Expires:     expires,
	}
}

// IsMarker reports whether the entry carries no representations.
func (e *Entry) IsMarker() bool {
	return len(e.Representations) == 0
}

// Fresh reports whether the entry can be served without revalidation at now.
func (e *Entry) Fresh(now time.Time) bool {
	return e.Expires.IsZero() || now.Before(e.Expires)
}

// TTL returns the remaining freshness, and false for entries that never expire.
func (e *Entry) TTL(now time.Time) (time.Duration, bool) {
	if e.Expires.IsZero() {
		return 0, false
	}
	return e.Expires.Sub(now), true
}

// Encodings lists the stored encodings in a fixed order.
func (e *Entry) Encodings() []codec.Encoding {
	encodings := make([]codec.Encoding, 0, len(e.Representations))
	for _, enc := range codec.All {
		if _, ok := e.Representations[enc]; ok {
			encodings = append(encodings, enc)
		}
	}
	return encodings
}

// Has reports whether a representation is stored for enc.
func (e *Entry) Has(enc codec.Encoding) bool {
	_, ok := e.Representations[enc]
	return ok
}

// SameState reports whether two entries describe the same stored resource state.
func (e *Entry) SameState(other *Entry) bool {
	return other != nil &&
		e.ETag == other.ETag &&
		e.LastModified.Equal(other.LastModified) &&
		e.StoredAt.Equal(other.StoredAt) &&
		slices.Equal(e.VaryHeaders, other.VaryHeaders)
}

func (e *Entry) shallowCopy() *Entry {
	c := *e
	c.Representations = make(map[codec.Encoding]*Representation, len(e.Representations)+1)
	for enc, rep := range e.Representations {
		c.Representations[enc] = rep
	}
	return &c
}

// With returns a copy of the entry with reps added or replaced.
func (e *Entry) With(reps ...*Representation) *Entry {
	c := e.shallowCopy()
	for _, rep := range reps {
		c.Representations[rep.Encoding] = rep
	}
	return c
}

// Without returns a copy of the entry without the given encodings.
func (e *Entry) Without(encodings ...codec.Encoding) *Entry {
	c := e.shallowCopy()
	for _, enc := range encodings {
		delete(c.Representations, enc)
	}
	return c
}

// Refreshed returns a copy with new freshness information and the same representations.
func (e *Entry) Refreshed(storedAt, expires time.Time, header http.Header) *Entry {
	c := e.shallowCopy()
	c.StoredAt = storedAt
	c.Expires = expires
	if header != nil {
		c.Header = header
	}
	for enc, rep := range c.Representations {
		r := *rep
		r.StoredAt = storedAt
		r.Expires = expires
		c.Representations[enc] = &r
	}
	return c
}

// Weight estimates the memory used by the entry in bytes.
func (e *Entry) Weight() int64 {
	const overhead = 128
	weight := int64(overhead)
	for _, rep := range e.Representations {
		weight += int64(len(rep.Body)+len(rep.ETag)) + overhead
	}
	for name, values := range e.Header {
		weight += int64(len(name))
		for _, v := range values {
			weight += int64(len(v))
		}
	}
	for _, name := range e.VaryHeaders {
		weight += int64(len(name))
	}
	return weight
}
