package negotiate

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/always-cache/transcache/pkg/codec"
)

var defaultSupported = []codec.Encoding{codec.Brotli, codec.GZip, codec.Deflate, codec.Zstandard}

func TestClientWeightBeatsServerOrder(t *testing.T) {
	supported := []codec.Encoding{codec.Zstandard, codec.Brotli, codec.GZip}
	res, err := Negotiate(Parse("br;q=1.0, zstd;q=0.5"), supported, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Encoding != codec.Brotli {
		t.Fatalf("expected br, got %s", res.Encoding)
	}
	if len(res.Acceptable) != 2 || res.Acceptable[1] != codec.Zstandard {
		t.Fatalf("unexpected acceptable list %v", res.Acceptable)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		header    []string
		supported []codec.Encoding
		cached    []codec.Encoding
		want      codec.Encoding
		err       error
	}{
		{"no header", nil, defaultSupported, nil, codec.Identity, nil},
		{"empty header", []string{""}, defaultSupported, nil, codec.Identity, nil},
		{"server order breaks ties", []string{"gzip, br"}, defaultSupported, nil, codec.Brotli, nil},
		{"cached wins over weight", []string{"br, gzip;q=0.5"}, defaultSupported, []codec.Encoding{codec.GZip}, codec.GZip, nil},
		{"cached but not acceptable", []string{"zstd"}, defaultSupported, []codec.Encoding{codec.GZip}, codec.Zstandard, nil},
		{"wildcard", []string{"*"}, defaultSupported, nil, codec.Brotli, nil},
		{"wildcard with exclusion", []string{"*, br;q=0"}, defaultSupported, nil, codec.GZip, nil},
		{"unsupported falls back to identity", []string{"compress"}, defaultSupported, nil, codec.Identity, nil},
		{"disabled encoding", []string{"zstd"}, []codec.Encoding{codec.GZip}, nil, codec.Identity, nil},
		{"identity excluded", []string{"identity;q=0, compress"}, defaultSupported, nil, codec.Identity, ErrNotAcceptable},
		{"star excludes identity", []string{"*;q=0"}, defaultSupported, nil, codec.Identity, ErrNotAcceptable},
		{"explicit identity survives star", []string{"*;q=0, identity"}, defaultSupported, nil, codec.Identity, nil},
		{"x-gzip alias", []string{"x-gzip"}, defaultSupported, nil, codec.GZip, nil},
		{"identity never competes", []string{"identity;q=1, gzip;q=0.1"}, defaultSupported, nil, codec.GZip, nil},
	}
	for _, tt := range tests {
		res, err := Negotiate(Parse(tt.header...), tt.supported, tt.cached)
		if !errors.Is(err, tt.err) {
			t.Errorf("%s: expected error %v, got %v", tt.name, tt.err, err)
			continue
		}
		if err == nil && res.Encoding != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.name, tt.want, res.Encoding)
		}
	}
}

func TestNegotiateIsDeterministic(t *testing.T) {
	accept := Parse("gzip;q=0.8, br;q=0.8, zstd;q=0.8, deflate;q=0.8")
	first, _ := Negotiate(accept, defaultSupported, nil)
	for i := 0; i < 100; i++ {
		res, _ := Negotiate(accept, defaultSupported, nil)
		if res.Encoding != first.Encoding {
			t.Fatalf("negotiation changed from %s to %s", first.Encoding, res.Encoding)
		}
	}
}

func TestParseRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Add("Accept-Encoding", "gzip;q=0.2")
	r.Header.Add("Accept-Encoding", "zstd")
	res, err := Negotiate(ParseRequest(r), defaultSupported, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Encoding != codec.Zstandard {
		t.Fatalf("expected zstd, got %s", res.Encoding)
	}
	if !ParseRequest(r).IdentityAcceptable() {
		t.Fatal("identity should be acceptable")
	}
}
