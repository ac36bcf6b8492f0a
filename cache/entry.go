package cache

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/always-cache/transcache/pkg/codec"
)

// ErrCorruptEntry is returned when stored bytes cannot be decoded into an entry.
var ErrCorruptEntry = errors.New("corrupt cache entry")

const entryFormat = 1

type wireEntry struct {
	Format          int                  `json:"v"`
	VaryHeaders     []string             `json:"vary,omitempty"`
	ETag            string               `json:"etag,omitempty"`
	LastModified    time.Time            `json:"last_modified"`
	StoredAt        time.Time            `json:"stored_at"`
	Expires         time.Time            `json:"expires"`
	Status          int                  `json:"status"`
	Header          map[string][]string  `json:"header,omitempty"`
	Encodable       bool                 `json:"encodable"`
	Representations []wireRepresentation `json:"representations"`
}

type wireRepresentation struct {
	Encoding     string    `json:"encoding"`
	Body         []byte    `json:"body"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
	StoredAt     time.Time `json:"stored_at"`
	Expires      time.Time `json:"expires"`
}

// MarshalBinary serializes the entry for byte-oriented stores.
func (e *Entry) MarshalBinary() ([]byte, error) {
	w := wireEntry{
		Format:          entryFormat,
		VaryHeaders:     e.VaryHeaders,
		ETag:            e.ETag,
		LastModified:    e.LastModified,
		StoredAt:        e.StoredAt,
		Expires:         e.Expires,
		Status:          e.Status,
		Header:          e.Header,
		Encodable:       e.Encodable,
		Representations: make([]wireRepresentation, 0, len(e.Representations)),
	}
	for _, enc := range e.Encodings() {
		rep := e.Representations[enc]
		w.Representations = append(w.Representations, wireRepresentation{
			Encoding:     enc.String(),
			Body:         rep.Body,
			ETag:         rep.ETag,
			LastModified: rep.LastModified,
			StoredAt:     rep.StoredAt,
			Expires:      rep.Expires,
		})
	}
	return sonic.Marshal(&w)
}

// UnmarshalBinary restores an entry written by MarshalBinary.
func (e *Entry) UnmarshalBinary(data []byte) error {
	var w wireEntry
	if err := sonic.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptEntry, err)
	}
	if w.Format != entryFormat {
		return fmt.Errorf("%w: format %d", ErrCorruptEntry, w.Format)
	}
	*e = Entry{
		VaryHeaders:     w.VaryHeaders,
		ETag:            w.ETag,
		LastModified:    w.LastModified,
		StoredAt:        w.StoredAt,
		Expires:         w.Expires,
		Status:          w.Status,
		Header:          http.Header(w.Header),
		Encodable:       w.Encodable,
		Representations: make(map[codec.Encoding]*Representation, len(w.Representations)),
	}
	for _, wr := range w.Representations {
		enc, err := codec.Parse(wr.Encoding)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCorruptEntry, err)
		}
		e.Representations[enc] = &Representation{
			Encoding:     enc,
			Body:         wr.Body,
			ETag:         wr.ETag,
			LastModified: wr.LastModified,
			StoredAt:     wr.StoredAt,
			Expires:      wr.Expires,
		}
	}
	return nil
}

func decodeEntry(data []byte) (*Entry, error) {
	entry := &Entry{}
	if err := entry.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return entry, nil
}
