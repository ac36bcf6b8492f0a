package codec

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func testBody() []byte {
	return []byte(strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200))
}

func TestTranscodeRoundTripAllPairs(t *testing.T) {
	reg, err := NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	raw := testBody()
	for _, from := range All {
		stored, err := reg.Encode(from, raw)
		if err != nil {
			t.Fatalf("encode %s: %v", from, err)
		}
		for _, to := range All {
			encoded, identity, err := reg.Transcode(from, to, stored)
			if err != nil {
				t.Fatalf("transcode %s -> %s: %v", from, to, err)
			}
			if !bytes.Equal(identity, raw) {
				t.Fatalf("transcode %s -> %s: identity bytes differ", from, to)
			}
			back, err := reg.Decode(to, encoded)
			if err != nil {
				t.Fatalf("decode %s: %v", to, err)
			}
			if !bytes.Equal(back, raw) {
				t.Fatalf("round trip %s -> %s lost data", from, to)
			}
		}
	}
}

func TestEncodeEmptyBody(t *testing.T) {
	reg, _ := NewRegistry()
	for _, e := range All {
		encoded, err := reg.Encode(e, nil)
		if err != nil {
			t.Fatalf("encode %s: %v", e, err)
		}
		decoded, err := reg.Decode(e, encoded)
		if err != nil {
			t.Fatalf("decode %s: %v", e, err)
		}
		if len(decoded) != 0 {
			t.Fatalf("%s: expected empty body, got %d bytes", e, len(decoded))
		}
	}
}

func TestPooledCodecsAreReusable(t *testing.T) {
	reg, _ := NewRegistry()
	raw := testBody()
	for i := 0; i < 5; i++ {
		for _, e := range reg.Supported() {
			encoded, err := reg.Encode(e, raw)
			if err != nil {
				t.Fatal(err)
			}
			decoded, err := reg.Decode(e, encoded)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(decoded, raw) {
				t.Fatalf("iteration %d: %s round trip failed", i, e)
			}
		}
	}
}

func TestDecodeCorruptBody(t *testing.T) {
	reg, _ := NewRegistry()
	for _, e := range []Encoding{GZip, Zstandard} {
		_, err := reg.Decode(e, []byte("definitely not compressed"))
		if !errors.Is(err, ErrCodec) {
			t.Errorf("%s: expected ErrCodec, got %v", e, err)
		}
	}
}

func TestRegistryPreference(t *testing.T) {
	reg, err := NewRegistry(Zstandard, Brotli, Zstandard, GZip)
	if err != nil {
		t.Fatal(err)
	}
	got := reg.Supported()
	want := []Encoding{Zstandard, Brotli, GZip}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if reg.Enabled(Deflate) {
		t.Fatal("deflate should not be enabled")
	}
	if !reg.Enabled(Identity) {
		t.Fatal("identity should always be enabled")
	}
	if _, err := reg.Transform(Deflate); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected ErrUnsupportedEncoding, got %v", err)
	}
	if _, err := NewRegistry(Identity); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected identity preference to be rejected, got %v", err)
	}
}

func TestSetLevel(t *testing.T) {
	reg, _ := NewRegistry(GZip)
	if err := reg.SetLevel(GZip, 9); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetLevel(Brotli, 9); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Fatalf("expected ErrUnsupportedEncoding, got %v", err)
	}
	encoded, err := reg.Encode(GZip, testBody())
	if err != nil {
		t.Fatal(err)
	}
	if len(encoded) >= len(testBody()) {
		t.Fatal("expected compressed output to be smaller")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		token string
		want  Encoding
		err   bool
	}{
		{"gzip", GZip, false},
		{"X-GZIP", GZip, false},
		{"br", Brotli, false},
		{"zstd", Zstandard, false},
		{"Deflate", Deflate, false},
		{"identity", Identity, false},
		{"compress", Identity, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.token)
		if (err != nil) != tt.err {
			t.Errorf("%s: unexpected error %v", tt.token, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.token, tt.want, got)
		}
	}
}
