package httpfetch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// CachedEntry is the result of a cache lookup: Fresh means the entry can be
// served without revalidation; otherwise ETag and LastModified carry the
// validators needed for a conditional request.
type CachedEntry struct {
	Response   *Response
	Fresh      bool
	ETag       string
	LastModified string
	ReceivedAt time.Time
}

// CacheManager is the opaque response-cache contract the fetcher consults
// before every request. Cache errors degrade to a direct fetch (spec §7).
type CacheManager interface {
	Lookup(ctx context.Context, rawURL string) (CachedEntry, bool)
	Store(ctx context.Context, rawURL string, resp *Response)
}

// revalidate performs a conditional GET against a stale cache entry; on
// success it updates the cache and returns the fresh (possibly 304-backed)
// response.
func (f *Fetcher) revalidate(ctx context.Context, rawURL string, cached CachedEntry) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newError(KindInvalidResponse, rawURL, err)
	}
	f.applyHeaders(req)
	if cached.ETag != "" {
		req.Header.Set("If-None-Match", cached.ETag)
	}
	if cached.LastModified != "" {
		req.Header.Set("If-Modified-Since", cached.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		// Cache errors (including a failed revalidation round-trip) degrade
		// to a direct, uncached fetch.
		return f.fetchWithPolicy(ctx, rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		refreshed := *cached.Response
		refreshed.FromCache = true
		if f.opts.Cache != nil {
			f.opts.Cache.Store(ctx, rawURL, &refreshed)
		}
		return &refreshed, nil
	}

	body, decodeErr := f.readBody(resp)
	if decodeErr != nil {
		return nil, decodeErr
	}
	fresh := &Response{
		FinalURL: rawURL,
		Status:   resp.StatusCode,
		Headers:  resp.Header.Clone(),
		Body:     body,
	}
	if f.opts.Cache != nil {
		f.opts.Cache.Store(ctx, rawURL, fresh)
	}
	return fresh, nil
}

// SQLiteCache persists cache entries to an on-disk (or ":memory:") SQLite
// database, mirroring the schema-init and WAL-pragma conventions of the
// teacher's node/edge storage but repurposed to request fingerprints.
type SQLiteCache struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteCache opens (creating if absent) a SQLite-backed response cache.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping cache db: %w", err)
	}
	c := &SQLiteCache{db: db}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return c, nil
}

func (c *SQLiteCache) initSchema() error {
	_, err := c.db.Exec(`
	CREATE TABLE IF NOT EXISTS cache_entries (
		fingerprint TEXT PRIMARY KEY,
		status INTEGER NOT NULL,
		headers TEXT NOT NULL,
		body BLOB NOT NULL,
		received_at TIMESTAMP NOT NULL,
		max_age_seconds INTEGER NOT NULL DEFAULT 0
	);`)
	return err
}

// fingerprint is (method, canonical URL, varying-header set); this cache
// only ever issues GETs and does not vary by request header, so the
// fingerprint reduces to the GET method prefix plus the canonical URL.
func fingerprint(rawURL string) string { return "GET\x00" + rawURL }

// Lookup implements CacheManager.
func (c *SQLiteCache) Lookup(ctx context.Context, rawURL string) (CachedEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var status int
	var headersJSON string
	var body []byte
	var receivedAt time.Time
	var maxAge int64

	row := c.db.QueryRowContext(ctx, `
		SELECT status, headers, body, received_at, max_age_seconds
		FROM cache_entries WHERE fingerprint = ?`, fingerprint(rawURL))
	if err := row.Scan(&status, &headersJSON, &body, &receivedAt, &maxAge); err != nil {
		return CachedEntry{}, false
	}

	headers := http.Header{}
	_ = json.Unmarshal([]byte(headersJSON), &headers)

	entry := CachedEntry{
		Response: &Response{
			FinalURL: rawURL,
			Status:   status,
			Headers:  headers,
			Body:     body,
		},
		ETag:         headers.Get("ETag"),
		LastModified: headers.Get("Last-Modified"),
		ReceivedAt:   receivedAt,
	}
	entry.Fresh = maxAge > 0 && time.Since(receivedAt) < time.Duration(maxAge)*time.Second
	return entry, true
}

// Store implements CacheManager.
func (c *SQLiteCache) Store(ctx context.Context, rawURL string, resp *Response) {
	headersJSON, err := json.Marshal(resp.Headers)
	if err != nil {
		return
	}
	maxAge := maxAgeSeconds(resp.Headers)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (fingerprint, status, headers, body, received_at, max_age_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			status = excluded.status,
			headers = excluded.headers,
			body = excluded.body,
			received_at = excluded.received_at,
			max_age_seconds = excluded.max_age_seconds
	`, fingerprint(rawURL), resp.Status, string(headersJSON), resp.Body, time.Now(), maxAge)
}

// Close releases the underlying database handle.
func (c *SQLiteCache) Close() error { return c.db.Close() }

// maxAgeSeconds extracts freshness lifetime from Cache-Control's max-age
// directive, a minimal subset of RFC 9111 sufficient for spec §6's
// "freshness and conditional revalidation" requirement.
func maxAgeSeconds(headers http.Header) int64 {
	cc := headers.Get("Cache-Control")
	for _, directive := range strings.Split(cc, ",") {
		directive = strings.TrimSpace(directive)
		if after, ok := strings.CutPrefix(directive, "max-age="); ok {
			if n, err := strconv.ParseInt(after, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}
