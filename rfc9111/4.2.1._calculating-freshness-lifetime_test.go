package rfc9111

import (
	"net/http"
	"testing"
	"time"

	"github.com/always-cache/transcache/rfc9110"
)

func TestFreshnessLifetime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		header http.Header
		want   time.Duration
		ok     bool
	}{
		{"none", http.Header{}, 0, false},
		{"max-age", http.Header{"Cache-Control": {"max-age=30"}}, 30 * time.Second, true},
		{"s-maxage wins", http.Header{"Cache-Control": {"max-age=30, s-maxage=90"}}, 90 * time.Second, true},
		{"expires", http.Header{
			"Date":    {rfc9110.FormatHttpDate(now)},
			"Expires": {rfc9110.FormatHttpDate(now.Add(time.Hour))},
		}, time.Hour, true},
		{"expires without date", http.Header{"Expires": {rfc9110.FormatHttpDate(now.Add(time.Minute))}}, time.Minute, true},
		{"invalid expires", http.Header{"Expires": {"0"}}, 0, true},
		{"max-age overrides expires", http.Header{
			"Cache-Control": {"max-age=5"},
			"Expires":       {rfc9110.FormatHttpDate(now.Add(time.Hour))},
		}, 5 * time.Second, true},
	}
	for _, tt := range tests {
		got, ok := FreshnessLifetime(tt.header, now)
		if got != tt.want || ok != tt.ok {
			t.Errorf("%s: expected %v %v, got %v %v", tt.name, tt.want, tt.ok, got, ok)
		}
	}
}
