package rfc9110

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHttpDateRFC850(t *testing.T) {
	_, err := HttpDate("Thursday, 18-Aug-50 02:01:18 GMT")
	if err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
}

func TestHttpDateTZCase(t *testing.T) {
	_, err := HttpDate("Thu, 18 Aug 2050 02:01:18 gMT")
	if err != nil {
		t.Fatalf("Error parsing date %+v", err)
	}
}

func TestHttpDateRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	parsed, err := HttpDate(FormatHttpDate(now))
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(now) {
		t.Fatalf("expected %v, got %v", now, parsed)
	}
}

func TestListHeader(t *testing.T) {
	h := http.Header{}
	h.Add("Vary", "Accept-Language, ,Cookie")
	h.Add("Vary", "Origin")
	got := ListHeader(h, "Vary")
	if len(got) != 3 || got[0] != "Accept-Language" || got[1] != "Cookie" || got[2] != "Origin" {
		t.Fatalf("unexpected list %v", got)
	}
}

func TestParseETag(t *testing.T) {
	tests := []struct {
		in   string
		tag  string
		weak bool
		ok   bool
	}{
		{`"abc"`, `"abc"`, false, true},
		{`W/"abc"`, `"abc"`, true, true},
		{`abc`, `"abc"`, false, true},
		{`"a"bc"`, "", false, false},
		{``, "", false, false},
	}
	for _, tt := range tests {
		got, ok := ParseETag(tt.in)
		if ok != tt.ok || got.Tag != tt.tag || got.Weak != tt.weak {
			t.Errorf("%q: got %+v %v", tt.in, got, ok)
		}
	}
}

func TestETagComparison(t *testing.T) {
	strong, _ := ParseETag(`"1"`)
	weak, _ := ParseETag(`W/"1"`)
	if !WeakMatch(strong, weak) {
		t.Fatal("weak comparison should ignore the weak flag")
	}
	if StrongMatch(strong, weak) {
		t.Fatal("strong comparison must fail for weak tags")
	}
	if !StrongMatch(strong, strong) {
		t.Fatal("strong comparison should match identical strong tags")
	}
}

func TestParseAcceptEncoding(t *testing.T) {
	codings := ParseAcceptEncoding([]string{"br;q=1.0, ZSTD;q=0.5", "gzip;q=2, *;q=0, deflate;level=1"})
	if len(codings) != 4 {
		t.Fatalf("expected 4 codings, got %+v", codings)
	}
	if codings[0].Token != "br" || codings[0].Q != 1 {
		t.Fatalf("unexpected first coding %+v", codings[0])
	}
	if codings[1].Token != "zstd" || codings[1].Q != 0.5 {
		t.Fatalf("unexpected second coding %+v", codings[1])
	}
	if codings[2].Token != "*" || codings[2].Q != 0 {
		t.Fatalf("unexpected third coding %+v", codings[2])
	}
	if codings[3].Token != "deflate" || codings[3].Q != 1 {
		t.Fatalf("unexpected fourth coding %+v", codings[3])
	}
}

func TestNotModified(t *testing.T) {
	lastModified := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header map[string]string
		strong bool
		want   bool
	}{
		{"no validators", nil, false, false},
		{"etag match", map[string]string{"If-None-Match": `"abc"`}, false, true},
		{"etag mismatch", map[string]string{"If-None-Match": `"xyz"`}, false, false},
		{"etag list", map[string]string{"If-None-Match": `"xyz", "abc"`}, false, true},
		{"star", map[string]string{"If-None-Match": `*`}, false, true},
		{"weak tag with weak comparison", map[string]string{"If-None-Match": `W/"abc"`}, false, true},
		{"weak tag with strong comparison", map[string]string{"If-None-Match": `W/"abc"`}, true, false},
		{"modified since equal", map[string]string{"If-Modified-Since": FormatHttpDate(lastModified)}, false, true},
		{"modified since later", map[string]string{"If-Modified-Since": FormatHttpDate(lastModified.Add(time.Hour))}, false, true},
		{"modified since earlier", map[string]string{"If-Modified-Since": FormatHttpDate(lastModified.Add(-time.Hour))}, false, false},
		{"invalid date", map[string]string{"If-Modified-Since": "yesterday"}, false, false},
		{"none-match takes precedence", map[string]string{
			"If-None-Match":     `"xyz"`,
			"If-Modified-Since": FormatHttpDate(lastModified),
		}, false, false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		for k, v := range tt.header {
			req.Header.Set(k, v)
		}
		if got := NotModified(req, `"abc"`, lastModified, tt.strong); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestNotModifiedIgnoresUnsafeMethods(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("If-None-Match", `"abc"`)
	if NotModified(req, `"abc"`, time.Time{}, false) {
		t.Fatal("POST must never yield 304")
	}
}

func TestStripConditionals(t *testing.T) {
	h := http.Header{}
	h.Set("If-None-Match", `"a"`)
	h.Set("If-Modified-Since", "x")
	h.Set("Range", "bytes=0-1")
	h.Set("Accept", "*/*")
	StripConditionals(h)
	if len(h) != 1 || h.Get("Accept") == "" {
		t.Fatalf("unexpected header %v", h)
	}
}
