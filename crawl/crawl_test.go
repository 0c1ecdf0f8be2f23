package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// pageTreeServer serves a small linked site: / -> /a, /b; /a -> /c.
func pageTreeServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a href="/a">a</a><a href="/b">b</a></body></html>`))
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a href="/c">c</a></body></html>`))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>no links here</body></html>`))
	})
	mux.HandleFunc("/c", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>leaf page</body></html>`))
	})
	return httptest.NewServer(mux)
}

func TestScrapeCrawlsSeededTree(t *testing.T) {
	t.Parallel()

	srv := pageTreeServer(t)
	defer srv.Close()

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 4,
		RequestTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pages, err := h.Scrape(ctx)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(pages) != 4 {
		t.Fatalf("got %d pages, want 4 (/, /a, /b, /c)", len(pages))
	}

	seen := make(map[string]bool)
	for _, p := range pages {
		seen[p.URL] = true
		if p.Error != ErrNone {
			t.Errorf("page %s unexpectedly errored: %s", p.URL, p.Error)
		}
	}
	for _, want := range []string{"/", "/a", "/b", "/c"} {
		if !seen[srv.URL+want] {
			t.Errorf("missing expected page %s", want)
		}
	}
}

func TestMaxPagesCapsFetches(t *testing.T) {
	t.Parallel()

	srv := pageTreeServer(t)
	defer srv.Close()

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 1,
		RequestTimeout:    2 * time.Second,
		MaxPages:          1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pages, err := h.Scrape(ctx)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(pages) != 1 {
		t.Errorf("got %d pages, want exactly 1 with MaxPages=1", len(pages))
	}
}

func TestRobotsDisallowSkipsPage(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /b\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a href="/b">b</a></body></html>`))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should never be fetched"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 2,
		RequestTimeout:    2 * time.Second,
		RespectRobots:     true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pages, err := h.Scrape(ctx)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1 (robots should have blocked /b)", len(pages))
	}
	if pages[0].URL != srv.URL+"/" {
		t.Errorf("unexpected page fetched: %s", pages[0].URL)
	}
}

func TestExternalScopeRejected(t *testing.T) {
	t.Parallel()

	var external *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body><a href="%s/offsite">offsite</a></body></html>`, external.URL)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	external = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("off-scope content"))
	}))
	defer external.Close()

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 2,
		RequestTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pages, err := h.Scrape(ctx)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(pages) != 1 {
		t.Errorf("got %d pages, want 1 (the external link must not be followed)", len(pages))
	}
}

func TestShutdownStopsInProgressCrawl(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a href="/slow">slow</a></body></html>`))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-block
		w.Write([]byte("too late"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(block)

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 2,
		RequestTimeout:    10 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.Crawl(ctx) }()

	time.Sleep(200 * time.Millisecond)
	h.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Crawl returned error after Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Crawl did not return promptly after Shutdown")
	}

	if h.State() != Draining && h.State() != Terminated {
		t.Errorf("expected state Draining or Terminated after Shutdown, got %v", h.State())
	}
}

func TestRedirectDeliversOnceAtFinalURL(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><a href="/x">x</a><a href="/x">x again</a></body></html>`))
	})
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/y", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/y", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 2,
		RequestTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pages, err := h.Scrape(ctx)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2 (/, /x->/y delivered once)", len(pages))
	}

	var landed int
	for _, p := range pages {
		if p.FinalURL == srv.URL+"/y" {
			landed++
		}
	}
	if landed != 1 {
		t.Errorf("expected the redirect target delivered exactly once despite two references, got %d", landed)
	}
}

func TestBudgetLimitsPathPrefix(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body := `<html><body>`
		for i := 0; i < 50; i++ {
			body += fmt.Sprintf(`<a href="/blog/post-%d">post</a>`, i)
		}
		body += `</body></html>`
		w.Write([]byte(body))
	})
	mux.HandleFunc("/blog/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("post body"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 4,
		RequestTimeout:    2 * time.Second,
		Budget:            map[string]int{"*": 100, "/blog": 10},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pages, err := h.Scrape(ctx)
	if err != nil {
		t.Fatalf("Scrape: %v", err)
	}

	var blogCount int
	for _, p := range pages {
		if len(p.URL) >= len(srv.URL+"/blog/") && p.URL[:len(srv.URL+"/blog/")] == srv.URL+"/blog/" {
			blogCount++
		}
	}
	if blogCount > 10 {
		t.Errorf("got %d /blog/ pages, want at most 10 per the configured budget", blogCount)
	}
	if len(pages) > 100 {
		t.Errorf("got %d total pages, want at most 100 per the configured budget", len(pages))
	}
}

func TestPerHostConcurrencyCapsConcurrentFetchesToOneHost(t *testing.T) {
	t.Parallel()

	var inFlight, maxSeen atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body := `<html><body>`
		for i := 0; i < 10; i++ {
			body += fmt.Sprintf(`<a href="/p-%d">p</a>`, i)
		}
		body += `</body></html>`
		w.Write([]byte(body))
	})
	for i := 0; i < 10; i++ {
		path := fmt.Sprintf("/p-%d", i)
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			n := inFlight.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inFlight.Add(-1)
			w.Write([]byte("leaf"))
		})
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h, err := New(Options{
		SeedURLs:           []string{srv.URL + "/"},
		GlobalConcurrency:  8,
		PerHostConcurrency: 1,
		RequestTimeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := h.Scrape(ctx); err != nil {
		t.Fatalf("Scrape: %v", err)
	}
	if got := maxSeen.Load(); got > 1 {
		t.Errorf("observed %d concurrent in-flight requests to one host, want at most 1 with PerHostConcurrency=1", got)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()

	srv := pageTreeServer(t)
	defer srv.Close()

	h, err := New(Options{
		SeedURLs:          []string{srv.URL + "/"},
		GlobalConcurrency: 1,
		RequestTimeout:    2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h.Pause()
	if h.State() != Paused {
		t.Errorf("expected Paused, got %v", h.State())
	}
	h.Resume()
	if h.State() != Running && h.State() != Idle {
		t.Errorf("unexpected state after Resume: %v", h.State())
	}
}
