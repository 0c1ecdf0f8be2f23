// Package robotsstore caches per-host robots.txt directives with
// one-fetch-per-host coalescing.
package robotsstore

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"
)

// Store caches parsed robots.txt directives per host for a crawl's lifetime.
// Records are not re-validated during the crawl, per spec.
type Store struct {
	client    *http.Client
	userAgent string
	log       *logrus.Entry

	group singleflight.Group

	mu      sync.RWMutex
	records map[string]*record
}

type record struct {
	allowAll   bool
	crawlDelay time.Duration
	sitemaps   []string
	data       *robotstxt.RobotsData
}

// New constructs a Store. client should have a short, dedicated timeout;
// the caller owns it and may share it with other short-lived probes.
func New(client *http.Client, userAgent string) *Store {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Store{
		client:    client,
		userAgent: userAgent,
		log:       logrus.WithField("component", "robotsstore"),
		records:   make(map[string]*record),
	}
}

// Allowed reports whether target is permitted for the active user agent.
// A record that could not be fetched or parsed allows everything.
func (s *Store) Allowed(ctx context.Context, target *url.URL) bool {
	rec := s.lookup(ctx, target)
	if rec.allowAll || rec.data == nil {
		return true
	}
	group := rec.data.FindGroup(s.userAgent)
	if group == nil {
		group = rec.data.FindGroup("*")
	}
	if group == nil {
		return true
	}
	return group.Test(target.Path)
}

// CrawlDelay returns the robots-declared crawl delay for host, if any.
func (s *Store) CrawlDelay(ctx context.Context, target *url.URL) (time.Duration, bool) {
	rec := s.lookup(ctx, target)
	if rec.crawlDelay <= 0 {
		return 0, false
	}
	return rec.crawlDelay, true
}

// Sitemaps returns robots-declared sitemap URLs for host.
func (s *Store) Sitemaps(ctx context.Context, target *url.URL) []string {
	rec := s.lookup(ctx, target)
	return rec.sitemaps
}

func (s *Store) lookup(ctx context.Context, target *url.URL) *record {
	host := strings.ToLower(target.Host)

	s.mu.RLock()
	rec, ok := s.records[host]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	// Concurrent queries for the same host during fetch coalesce onto a
	// single in-flight fetch.
	v, _, _ := s.group.Do(host, func() (any, error) {
		rec := s.fetch(ctx, target.Scheme, host)
		s.mu.Lock()
		s.records[host] = rec
		s.mu.Unlock()
		return rec, nil
	})
	return v.(*record)
}

func (s *Store) fetch(ctx context.Context, scheme, host string) *record {
	robotsURL := scheme + "://" + host + "/robots.txt"

	data, err := s.fetchWithRetry(ctx, robotsURL)
	if err != nil {
		s.log.WithField("host", host).WithError(err).Debug("robots.txt unavailable, allowing all")
		return &record{allowAll: true}
	}

	rec := &record{data: data}
	group := data.FindGroup(s.userAgent)
	if group == nil {
		group = data.FindGroup("*")
	}
	if group != nil && group.CrawlDelay > 0 {
		rec.crawlDelay = group.CrawlDelay
	}
	rec.sitemaps = data.Sitemaps
	return rec
}

// fetchWithRetry fetches robots.txt, retrying a bounded number of times on
// 5xx per spec ("5xx is treated identically after bounded retries").
// Parse failure, 4xx, or timeout return an error immediately (no retry).
func (s *Store) fetchWithRetry(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return nil, err
		}
		if s.userAgent != "" {
			req.Header.Set("User-Agent", s.userAgent)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err // connect/timeout: fail open immediately, no retry
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("robots.txt returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, fmt.Errorf("robots.txt returned %d", resp.StatusCode)
		}

		data, err := robotstxt.FromResponse(resp)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("parse robots.txt: %w", err)
		}
		return data, nil
	}
	return nil, lastErr
}
