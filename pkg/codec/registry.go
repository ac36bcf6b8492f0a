package codec

import (
	"bytes"
	"fmt"
	"io"
	"slices"
)

// Registry holds the enabled encodings in server preference order.
// Identity is always available and never part of the preference list.
type Registry struct {
	preference []Encoding
	codecs     [len(tokens)]Codec
}

// NewRegistry enables the given encodings, in order of preference.
// With no arguments DefaultPreference is used.
func NewRegistry(preference ...Encoding) (*Registry, error) {
	if len(preference) == 0 {
		preference = DefaultPreference
	}
	r := &Registry{}
	r.codecs[Identity] = identityCodec{}
	for _, e := range preference {
		if !e.Valid() || e == Identity {
			return nil, fmt.Errorf("%w: %s cannot be preferred", ErrUnsupportedEncoding, e)
		}
		if slices.Contains(r.preference, e) {
			continue
		}
		r.preference = append(r.preference, e)
		r.codecs[e] = newCodec(e, defaultLevel(e))
	}
	return r, nil
}

// SetLevel changes the compression level of an enabled encoding.
// It must be called before the registry is shared.
func (r *Registry) SetLevel(e Encoding, level int) error {
	if e == Identity || !r.Enabled(e) {
		return fmt.Errorf("%w: %s", ErrUnsupportedEncoding, e)
	}
	r.codecs[e] = newCodec(e, level)
	return nil
}

// Supported returns the enabled encodings in preference order.
func (r *Registry) Supported() []Encoding {
	return slices.Clone(r.preference)
}

// Enabled reports whether e can be encoded and decoded. Identity always can.
func (r *Registry) Enabled(e Encoding) bool {
	return e.Valid() && r.codecs[e] != nil
}

// Transform returns the codec for e.
func (r *Registry) Transform(e Encoding) (Codec, error) {
	if !r.Enabled(e) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, e)
	}
	return r.codecs[e], nil
}

// Encode compresses identity bytes into e.
func (r *Registry) Encode(e Encoding, body []byte) ([]byte, error) {
	if e == Identity {
		return body, nil
	}
	c, err := r.Transform(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(body) / 2)
	w := c.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, fmt.Errorf("%w: encoding %s: %w", ErrCodec, e, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: encoding %s: %w", ErrCodec, e, err)
	}
	return buf.Bytes(), nil
}

// Decode restores identity bytes from a body encoded with e.
func (r *Registry) Decode(e Encoding, body []byte) ([]byte, error) {
	if e == Identity {
		return body, nil
	}
	c, err := r.Transform(e)
	if err != nil {
		return nil, err
	}
	rc, err := c.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrCodec, e, err)
	}
	defer rc.Close()
	decoded, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrCodec, e, err)
	}
	return decoded, nil
}

// Transcode converts a body from one encoding to another, going through identity.
// The decoded identity bytes are returned as well so callers can keep them.
func (r *Registry) Transcode(from, to Encoding, body []byte) (encoded, identity []byte, err error) {
	identity, err = r.Decode(from, body)
	if err != nil {
		return nil, nil, err
	}
	if to == from {
		return body, identity, nil
	}
	encoded, err = r.Encode(to, identity)
	if err != nil {
		return nil, nil, err
	}
	return encoded, identity, nil
}
