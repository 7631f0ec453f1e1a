package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetchUsesConditionalRequests(t *testing.T) {
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "work", URL: srv.URL + "/private.ics?token=secret"}

	first, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || string(first.Body) != feed {
		t.Fatalf("first fetch should be fresh")
	}

	second, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !second.FromCache || string(second.Body) != feed {
		t.Fatalf("second fetch should come from cache")
	}
	if hits.Load() != 2 || notModified.Load() != 1 {
		t.Fatalf("hits=%d notModified=%d", hits.Load(), notModified.Load())
	}
}

func TestFetchFallsBackToCache(t *testing.T) {
	fail := atomic.Bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(feed))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{ID: "work", URL: srv.URL}
	if _, err := f.FetchOne(context.Background(), src); err != nil {
		t.Fatalf("warm-up fetch: %v", err)
	}

	fail.Store(true)
	res, err := f.FetchOne(context.Background(), src)
	if err != nil {
		t.Fatalf("expected cached fallback, got %v", err)
	}
	if !res.FromCache {
		t.Fatalf("expected FromCache")
	}
}

func TestFetchWithoutCacheReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher("", srv.Client())
	results, err := f.FetchAll(context.Background(), []Source{
		{ID: "missing", URL: srv.URL},
		{ID: "blank"},
	})
	if err == nil {
		t.Fatalf("expected joined error")
	}
	if len(results) != 0 {
		t.Fatalf("no source should succeed, got %d", len(results))
	}
}

func TestRedactURL(t *testing.T) {
	tests := map[string]string{
		"https://example.com/cal/private.ics?token=abc": "https://example.com/...(redacted)",
		"not a url": "ics://...(redacted)",
	}
	for in, want := range tests {
		if got := redactURL(in); got != want {
			t.Errorf("redactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
