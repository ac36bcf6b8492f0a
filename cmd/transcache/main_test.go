package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/always-cache/transcache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestRouter(t *testing.T) {
	var originCalls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalls.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=60")
		io.WriteString(w, strings.Repeat("origin says hello\n", 20))
	}))
	defer origin.Close()
	originURL, _ := url.Parse(origin.URL)

	config := defaultConfig()
	config.Origin = origin.URL
	reg := prometheus.NewRegistry()
	store, err := openStore(context.Background(), config.Store, reg)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	tc, err := transcache.New(transcache.Config{Store: store.Store, Logger: &logger, Metrics: reg})
	if err != nil {
		t.Fatal(err)
	}
	router := newRouter(config, tc, newOriginProxy(originURL, ""), reg)

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		return rr
	}

	if rr := get("/page"); rr.Code != http.StatusOK {
		t.Fatalf("status is %d", rr.Code)
	}
	rr := get("/page")
	if !strings.HasPrefix(rr.Header().Get("Cache-Status"), "transcache; hit; ttl=") {
		t.Fatalf("Cache-Status is %q", rr.Header().Get("Cache-Status"))
	}
	if originCalls.Load() != 1 {
		t.Fatalf("origin called %d times", originCalls.Load())
	}

	metrics := get(config.Metrics.Path)
	if !strings.Contains(metrics.Body.String(), "transcache_responses_total") {
		t.Fatal("metrics not exported")
	}
	if metrics.Header().Get("Cache-Status") != "" {
		t.Fatal("metrics endpoint should not be cached")
	}

	reset := httptest.NewRecorder()
	router.ServeHTTP(reset, httptest.NewRequest("POST", config.ResetPath, nil))
	if reset.Code != http.StatusNoContent {
		t.Fatalf("reset status is %d", reset.Code)
	}
	get("/page")
	if originCalls.Load() != 2 {
		t.Fatalf("origin called %d times after reset", originCalls.Load())
	}
}

func TestCreateDirector(t *testing.T) {
	req := httptest.NewRequest("GET", "/path?q=1", nil)
	createDirector("https", "10.0.0.1", "example.org")(req)
	if req.URL.String() != "https://10.0.0.1/path?q=1" || req.Host != "example.org" {
		t.Fatalf("request rewritten to %s with host %s", req.URL, req.Host)
	}
}
