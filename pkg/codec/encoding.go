package codec

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnsupportedEncoding is returned for encodings that are unknown or not enabled.
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	// ErrCodec wraps failures of the underlying compression libraries.
	ErrCodec = errors.New("codec failure")
)

// Encoding identifies a content coding.
type Encoding uint8

const (
	Identity Encoding = iota
	GZip
	Deflate
	Brotli
	Zstandard
)

// All lists every known encoding, identity included.
var All = []Encoding{Identity, GZip, Deflate, Brotli, Zstandard}

// DefaultPreference is the server preference used when none is configured.
var DefaultPreference = []Encoding{Brotli, GZip, Deflate, Zstandard}

var tokens = [...]string{
	Identity:  "identity",
	GZip:      "gzip",
	Deflate:   "deflate",
	Brotli:    "br",
	Zstandard: "zstd",
}

// String returns the HTTP content-coding token.
func (e Encoding) String() string {
	if int(e) < len(tokens) {
		return tokens[e]
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// Valid reports whether e is one of the known encodings.
func (e Encoding) Valid() bool {
	return int(e) < len(tokens)
}

// Parse maps a content-coding token to an Encoding.
// Tokens are case-insensitive; "x-gzip" is an alias of "gzip".
func Parse(token string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", "identity":
		return Identity, nil
	case "gzip", "x-gzip":
		return GZip, nil
	case "deflate":
		return Deflate, nil
	case "br":
		return Brotli, nil
	case "zstd":
		return Zstandard, nil
	}
	return Identity, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, token)
}

func (e Encoding) MarshalText() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedEncoding, uint8(e))
	}
	return []byte(e.String()), nil
}

func (e *Encoding) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// DecodeCost ranks encodings by how expensive it is to get identity bytes back.
// Lower is cheaper.
func DecodeCost(e Encoding) int {
	switch e {
	case Identity:
		return 0
	case Zstandard:
		return 1
	case Deflate:
		return 2
	case GZip:
		return 3
	case Brotli:
		return 4
	}
	return 5
}

// ByDecodeCost is every encoding ordered from cheapest to most expensive to decode.
var ByDecodeCost = []Encoding{Identity, Zstandard, Deflate, GZip, Brotli}
