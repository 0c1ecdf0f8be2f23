package robotsstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"
)

func mustURL(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}

func TestAllowed(t *testing.T) {
	t.Parallel()

	body := "User-agent: *\nDisallow: /private/\nCrawl-delay: 2\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	store := New(srv.Client(), "testbot")

	cases := []struct {
		name string
		path string
		want bool
	}{
		{"allowed path", "/public/page", true},
		{"disallowed path", "/private/secret", false},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			target := mustURL(t, srv.URL+tc.path)
			got := store.Allowed(context.Background(), target)
			if got != tc.want {
				t.Errorf("Allowed(%s) = %v, want %v", tc.path, got, tc.want)
			}
		})
	}
}

func TestCrawlDelay(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nCrawl-delay: 3\n"))
	}))
	defer srv.Close()

	store := New(srv.Client(), "testbot")
	target := mustURL(t, srv.URL+"/")

	delay, ok := store.CrawlDelay(context.Background(), target)
	if !ok {
		t.Fatal("expected a declared crawl delay")
	}
	if delay != 3*time.Second {
		t.Errorf("got delay %v, want 3s", delay)
	}
}

func TestFailOpenOn404(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	store := New(srv.Client(), "testbot")
	target := mustURL(t, srv.URL+"/anything")

	if !store.Allowed(context.Background(), target) {
		t.Error("missing robots.txt (404) must fail open and allow everything")
	}
}

func TestFailOpenOnConnectError(t *testing.T) {
	t.Parallel()

	store := New(&http.Client{Timeout: 200 * time.Millisecond}, "testbot")
	target := mustURL(t, "http://127.0.0.1:1/")

	if !store.Allowed(context.Background(), target) {
		t.Error("unreachable host must fail open and allow everything")
	}
}

func TestLookupCoalescesConcurrentRequests(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("User-agent: *\nDisallow:\n"))
	}))
	defer srv.Close()

	store := New(srv.Client(), "testbot")
	target := mustURL(t, srv.URL+"/page")

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			store.Allowed(context.Background(), target)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("expected robots.txt fetched exactly once, got %d fetches", got)
	}
}

func TestRetriesOn5xxThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempt atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("User-agent: *\nDisallow: /blocked/\n"))
	}))
	defer srv.Close()

	store := New(srv.Client(), "testbot")
	target := mustURL(t, srv.URL+"/blocked/x")

	if store.Allowed(context.Background(), target) {
		t.Error("expected the retried fetch to eventually apply the disallow rule")
	}
}
