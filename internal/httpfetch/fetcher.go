// Package httpfetch wraps an HTTP client with connection reuse, redirect
// policy, TLS, proxy rotation, optional response caching, hedged requests,
// and a retry classifier, behind a single Fetch contract.
package httpfetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/sirupsen/logrus"
)

// Hop records one step of a redirect chain.
type Hop struct {
	URL    string
	Status int
}

// Timing carries the waterfall timestamps spec §3 asks page records to
// optionally retain.
type Timing struct {
	RequestStart   time.Time
	HeadersDone    time.Time
	BodyDone       time.Time
}

// Response is the fetcher's result for a single logical request (after
// following any in-scope redirects).
type Response struct {
	FinalURL string
	Status   int
	Headers  http.Header
	Body     []byte
	Hops     []Hop
	Timing   Timing
	FromCache bool
}

// Options configures a Fetcher for the lifetime of a crawl.
type Options struct {
	UserAgent       string
	Headers         map[string]string
	RequestTimeout  time.Duration
	MaxBodyBytes    int64
	RedirectLimit   int
	ProxyURLs       []string
	AcceptInvalidCerts bool

	// AllowRedirect is consulted on every redirect hop; it composes the
	// crawl's scope predicate and blacklist check. A redirect hop that it
	// rejects fails closed with KindRedirectOutOfScope rather than being
	// silently followed or dropped (spec §9 Open Question resolution).
	AllowRedirect func(*url.URL) bool

	// Cache is consulted before every fetch when non-nil.
	Cache CacheManager

	// Hedging.
	HedgeAfter time.Duration // 0 disables hedging
	HedgeBudget int

	// Retries.
	MaxRetries int
	RetryBaseDelay time.Duration
}

// Fetcher performs HTTP fetches per spec §4.4.
type Fetcher struct {
	opts      Options
	transport *http.Transport
	client    *http.Client

	proxyMu     sync.Mutex
	proxyByHost map[string]*url.URL
	proxyNext   int

	log *logrus.Entry
}

// New constructs a Fetcher. One Fetcher's transport and connection pool are
// shared across all fetches in a crawl, keyed by (scheme, host, port, proxy).
func New(opts Options) *Fetcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.RedirectLimit <= 0 {
		opts.RedirectLimit = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 2
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: opts.AcceptInvalidCerts},
	}

	f := &Fetcher{
		opts:        opts,
		transport:   transport,
		proxyByHost: make(map[string]*url.URL),
		log:         logrus.WithField("component", "httpfetch"),
	}
	if len(opts.ProxyURLs) > 0 {
		transport.Proxy = f.proxyForRequest
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return f.checkRedirect(req, via)
		},
	}
	f.client = client
	return f
}

// hopsContextKey keys the per-request redirect-hop accumulator stashed in
// the request context by attempt; CheckRedirect has no other way to return
// data to its caller, and a shared Fetcher-level field would race across
// concurrent attempts the way applyProxy used to.
type hopsContextKey struct{}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if hopsPtr, ok := req.Context().Value(hopsContextKey{}).(*[]Hop); ok && len(via) > 0 {
		last := via[len(via)-1]
		// req.Response is the redirect response that last's URL returned;
		// via[0].Response is always nil since via[0] is the original request.
		status := 0
		if req.Response != nil {
			status = req.Response.StatusCode
		}
		*hopsPtr = append(*hopsPtr, Hop{URL: last.URL.String(), Status: status})
	}
	if len(via) >= f.opts.RedirectLimit {
		return fmt.Errorf("stopped after %d redirects", f.opts.RedirectLimit)
	}
	for _, prior := range via {
		if prior.URL.String() == req.URL.String() {
			return fmt.Errorf("redirect loop detected at %s", req.URL)
		}
	}
	if f.opts.AllowRedirect != nil && !f.opts.AllowRedirect(req.URL) {
		return redirectOutOfScope{url: req.URL.String()}
	}
	return nil
}

type redirectOutOfScope struct{ url string }

func (e redirectOutOfScope) Error() string { return "redirect out of scope: " + e.url }

// Fetch retrieves rawURL, following redirects per Options, applying the
// response cache and retry/hedge policies.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	if f.opts.Cache != nil {
		if cached, ok := f.opts.Cache.Lookup(ctx, rawURL); ok {
			if cached.Fresh {
				cached.Response.FromCache = true
				return cached.Response, nil
			}
			return f.revalidate(ctx, rawURL, cached)
		}
	}
	return f.fetchWithPolicy(ctx, rawURL)
}

// fetchWithPolicy applies hedging and retry on top of a single fetch
// attempt, and stores a successful result in the cache.
func (f *Fetcher) fetchWithPolicy(ctx context.Context, rawURL string) (*Response, error) {
	var resp *Response
	var err error

	if f.opts.HedgeAfter > 0 && f.opts.HedgeBudget > 0 {
		resp, err = f.fetchHedged(ctx, rawURL)
	} else {
		resp, err = f.fetchWithRetry(ctx, rawURL)
	}
	if err != nil {
		return nil, err
	}

	if f.opts.Cache != nil {
		f.opts.Cache.Store(ctx, rawURL, resp)
	}
	return resp, nil
}

// fetchWithRetry retries transient failures with exponential backoff.
// Permanent failures (4xx except 408/429, DNS NXDOMAIN) are never retried.
func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string) (*Response, error) {
	attemptURL := rawURL
	var lastErr error
	var lastResp *Response

	for attempt := 0; attempt <= f.opts.MaxRetries; attempt++ {
		resp, err := f.attempt(ctx, attemptURL)
		if err == nil {
			if !retryableStatus(resp.Status) {
				return resp, nil
			}
			lastResp = resp
			lastErr = nil
		} else {
			lastErr = err
			if !f.retryable(err) {
				return nil, err
			}

			// www-prefix retry on transient TLS failures only (spec §9).
			if isTLSError(err) && strings.Contains(hostOf(attemptURL), "www.") {
				if stripped := withWWW(attemptURL); stripped != "" {
					attemptURL = stripped
				}
			}
		}

		if attempt == f.opts.MaxRetries {
			break
		}
		backoff := f.opts.RetryBaseDelay * time.Duration(1<<uint(attempt))
		select {
		case <-ctx.Done():
			return nil, newError(KindCancelled, rawURL, ctx.Err())
		case <-time.After(backoff):
		}
	}
	// Retries exhausted: a lingering 502/503/504/429 is still a valid HTTP
	// response, not a FetchError — deliver it as-is rather than failing the
	// page record.
	if lastErr == nil && lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string) (*Response, error) {
	timing := Timing{RequestStart: time.Now()}

	reqCtx, cancel := context.WithTimeout(ctx, f.opts.RequestTimeout)
	defer cancel()

	hops := make([]Hop, 0)
	reqCtx = context.WithValue(reqCtx, hopsContextKey{}, &hops)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, newError(KindInvalidResponse, rawURL, err)
	}
	f.applyHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()
	timing.HeadersDone = time.Now()

	body, decodeErr := f.readBody(resp)
	timing.BodyDone = time.Now()
	if decodeErr != nil {
		return nil, decodeErr
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &Response{
		FinalURL: finalURL,
		Status:   resp.StatusCode,
		Headers:  resp.Header.Clone(),
		Body:     body,
		Hops:     hops,
		Timing:   timing,
	}, nil
}

func (f *Fetcher) applyHeaders(req *http.Request) {
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range f.opts.Headers {
		req.Header.Set(k, v)
	}
}

// proxyForRequest implements spec §6's "rotated per host": the first
// request to a given host is assigned the next proxy in round-robin order,
// and every later request to that same host reuses the same assignment, so
// concurrent in-flight requests to one host never see different proxies.
// Installed as the transport's Proxy func rather than mutated per attempt,
// since transport fields are read concurrently by in-flight client.Do calls.
func (f *Fetcher) proxyForRequest(req *http.Request) (*url.URL, error) {
	host := req.URL.Hostname()

	f.proxyMu.Lock()
	defer f.proxyMu.Unlock()

	if proxyURL, ok := f.proxyByHost[host]; ok {
		return proxyURL, nil
	}
	raw := f.opts.ProxyURLs[f.proxyNext%len(f.opts.ProxyURLs)]
	f.proxyNext++
	proxyURL, err := url.Parse(raw)
	if err != nil {
		f.log.WithError(err).Warn("invalid proxy url, skipping rotation")
		return nil, nil
	}
	f.proxyByHost[host] = proxyURL
	return proxyURL, nil
}

func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	reader := io.Reader(resp.Body)
	var closer io.Closer

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, newError(KindDecodeError, resp.Request.URL.String(), err)
		}
		reader, closer = gz, gz
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader, closer = fl, fl
	case "zstd":
		// No zstd decoder is available in the dependency set (see DESIGN.md);
		// surface this honestly as a decode error rather than misread bytes.
		return nil, newError(KindDecodeError, resp.Request.URL.String(), errors.New("zstd decoding unsupported"))
	default:
		return nil, newError(KindDecodeError, resp.Request.URL.String(), fmt.Errorf("unsupported content-encoding %q", resp.Header.Get("Content-Encoding")))
	}
	if closer != nil {
		defer closer.Close()
	}

	limited := io.LimitReader(reader, f.opts.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, newError(KindInvalidResponse, resp.Request.URL.String(), err)
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		return nil, newError(KindBodyTooLarge, resp.Request.URL.String(), fmt.Errorf("body exceeds %d bytes", f.opts.MaxBodyBytes))
	}
	return body, nil
}
