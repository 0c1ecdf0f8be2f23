// Package crawl is the public, importable surface of the crawler: callers
// construct a crawl from Options, drive it to completion or collect its
// pages, and may subscribe to live page delivery.
package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sirupsen/logrus"

	"github.com/webcrawl/webcrawl/internal/bus"
	"github.com/webcrawl/webcrawl/internal/filterchain"
	"github.com/webcrawl/webcrawl/internal/frontier"
	"github.com/webcrawl/webcrawl/internal/httpfetch"
	"github.com/webcrawl/webcrawl/internal/linkextract"
	"github.com/webcrawl/webcrawl/internal/metrics"
	"github.com/webcrawl/webcrawl/internal/politeness"
	"github.com/webcrawl/webcrawl/internal/robotsstore"
	"github.com/webcrawl/webcrawl/internal/urlnorm"
)

// State is the engine's lifecycle stage (spec §4.8).
type State int

const (
	Idle State = iota
	Running
	Paused
	Draining
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Draining:
		return "draining"
	default:
		return "terminated"
	}
}

// Engine is one crawl's private state: everything the control flow in
// spec.md §2 touches, wired from Options.
type Engine struct {
	opts Options

	base          *urlnorm.Base
	externalAllow map[string]bool
	blacklistRe   []*regexp.Regexp

	chain    *filterchain.Chain
	fetcher  *httpfetch.Fetcher
	robots   *robotsstore.Store
	frontier *frontier.Frontier
	governor *politeness.Governor
	bus      *bus.Bus[Page]
	tracker  *metrics.Tracker
	cache    *httpfetch.SQLiteCache

	log *logrus.Entry

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	pagesDelivered atomic.Int64
}

// Handle is the per-crawl control object returned by New, the primary
// control surface per the Handle-first design resolution of spec.md §9's
// open question (see DESIGN.md).
type Handle struct {
	engine *Engine
	seed   string
}

// New constructs a crawl from opts. Seeds are admitted into the frontier
// before New returns; no fetch is issued until Crawl or Scrape runs.
func New(opts Options) (*Handle, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	base, err := urlnorm.ParseBase(opts.SeedURLs[0], urlnorm.Options{WWWEquivalence: opts.WWWEquivalence})
	if err != nil {
		return nil, fmt.Errorf("%w: invalid seed url: %v", ErrConfiguration, err)
	}

	externalAllow := make(map[string]bool, len(opts.ExternalDomains))
	for _, host := range opts.ExternalDomains {
		externalAllow[strings.ToLower(host)] = true
	}

	var blacklistRe []*regexp.Regexp
	if opts.UseRegex {
		for _, pattern := range opts.Blacklist {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid blacklist regex %q: %v", ErrConfiguration, pattern, err)
			}
			blacklistRe = append(blacklistRe, re)
		}
	}

	e := &Engine{
		opts:          opts,
		base:          base,
		externalAllow: externalAllow,
		blacklistRe:   blacklistRe,
		frontier:      frontier.New(),
		tracker:       metrics.NewTracker(),
		log:           logrus.WithField("component", "engine"),
	}

	e.robots = robotsstore.New(&http.Client{Timeout: 5 * time.Second}, opts.UserAgent)

	chain, err := filterchain.New(base, filterchain.Options{
		AllowSubdomains: opts.AllowSubdomains,
		AllowTLD:        opts.AllowTLD,
		ExternalDomains: externalAllow,
		StaticsIgnore:   opts.StaticsIgnore,
		Whitelist:       opts.Whitelist,
		Blacklist:       opts.Blacklist,
		UseRegex:        opts.UseRegex,
		GlobExcludes:    opts.GlobExcludes,
		DepthLimit:      opts.DepthLimit,
		Budget:          opts.Budget,
		RespectRobots:   opts.RespectRobots,
		UserAgent:       opts.UserAgent,
	}, e.robots)
	if err != nil {
		return nil, fmt.Errorf("%w: filter chain: %v", ErrConfiguration, err)
	}
	e.chain = chain

	var cacheMgr httpfetch.CacheManager
	if opts.CacheEnabled {
		path := opts.CacheDir
		if path == "" {
			path = ":memory:"
		} else {
			path = path + "/webcrawl-cache.db"
		}
		sqliteCache, err := httpfetch.NewSQLiteCache(path)
		if err != nil {
			return nil, fmt.Errorf("%w: cache: %v", ErrConfiguration, err)
		}
		e.cache = sqliteCache
		cacheMgr = sqliteCache
	}

	e.fetcher = httpfetch.New(httpfetch.Options{
		UserAgent:          opts.UserAgent,
		Headers:            opts.Headers,
		RequestTimeout:     opts.RequestTimeout,
		MaxBodyBytes:       opts.MaxBodyBytes,
		RedirectLimit:      opts.RedirectLimit,
		ProxyURLs:          opts.ProxyURLs,
		AcceptInvalidCerts: opts.AcceptInvalidCerts,
		AllowRedirect:      e.allowRedirect,
		Cache:              cacheMgr,
		HedgeAfter:         opts.HedgeAfter,
		HedgeBudget:        opts.HedgeBudget,
		MaxRetries:         opts.MaxRetries,
		RetryBaseDelay:     opts.RetryBaseDelay,
	})

	e.governor = politeness.New(politeness.Options{
		GlobalConcurrency:  opts.GlobalConcurrency,
		Delay:              opts.Delay,
		PerHostConcurrency: opts.PerHostConcurrency,
	})

	policy := bus.DropOldest
	if opts.SlowConsumerPolicy == Backpressure {
		policy = bus.Backpressure
	}
	e.bus = bus.New[Page](opts.BroadcastChannelSize, policy)

	for _, seed := range opts.SeedURLs {
		canon, err := urlnorm.Canonicalize(seed, "", urlnorm.Options{WWWEquivalence: opts.WWWEquivalence})
		if err != nil {
			return nil, fmt.Errorf("%w: invalid seed url %q: %v", ErrConfiguration, seed, err)
		}
		if e.frontier.Admit(canon.Raw, "", 0) {
			e.tracker.IncrementAdmitted()
		}
	}

	h := &Handle{engine: e, seed: opts.SeedURLs[0]}
	globalRegistry.register(h.seed, h)
	return h, nil
}

// allowRedirect composes the scope predicate and blacklist check the
// fetcher applies to every redirect hop; a rejection fails closed with
// KindRedirectOutOfScope rather than being silently followed or dropped
// (spec §9 open question resolution).
func (e *Engine) allowRedirect(u *url.URL) bool {
	canon, err := urlnorm.Canonicalize(u.String(), "", urlnorm.Options{WWWEquivalence: e.opts.WWWEquivalence})
	if err != nil {
		return false
	}
	scope := urlnorm.Classify(canon, e.base, e.externalAllow)
	if !urlnorm.InScope(scope, e.opts.AllowSubdomains, e.opts.AllowTLD, e.externalAllow[canon.Host]) {
		return false
	}
	if e.opts.UseRegex {
		for _, re := range e.blacklistRe {
			if re.MatchString(canon.Raw) {
				return false
			}
		}
	} else {
		for _, pattern := range e.opts.Blacklist {
			if strings.Contains(canon.Raw, pattern) {
				return false
			}
		}
	}
	return true
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State reports the engine's current lifecycle stage.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Metrics returns a snapshot of the crawl's running counters.
func (e *Engine) Metrics() metrics.Snapshot { return e.tracker.Snapshot() }

func workerCount(cap int) int {
	if cap <= 0 {
		cap = runtime.NumCPU() * 4
		if cap < 4 {
			cap = 4
		}
	}
	n := cap * 2
	if n < 8 {
		n = 8
	}
	return n
}

// run drives the crawl to completion: workers pull from the frontier,
// fetch, extract, admit, and publish, until the termination predicate
// holds or ctx is cancelled (spec §4.8).
func (e *Engine) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	e.setState(Running)

	if e.opts.Deadline > 0 {
		timer := time.AfterFunc(e.opts.Deadline, func() { e.shutdown() })
		defer timer.Stop()
	}

	g, gctx := errgroup.WithContext(runCtx)
	workers := workerCount(e.opts.GlobalConcurrency)

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				default:
				}
				entry, ok := e.frontier.Next()
				if !ok {
					return nil
				}
				if e.opts.MaxPages > 0 && e.pagesDelivered.Load() >= int64(e.opts.MaxPages) {
					e.frontier.MarkDone(entry.URL)
					continue
				}
				e.processEntry(gctx, entry)
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if e.frontier.Terminated() {
					e.frontier.Stop()
					return nil
				}
			}
		}
	})

	err := g.Wait()
	e.setState(Terminated)
	e.bus.Close()
	if e.cache != nil {
		e.cache.Close()
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (e *Engine) processEntry(ctx context.Context, entry frontier.Entry) {
	release, err := e.governor.AcquireGlobal(ctx)
	if err != nil {
		e.frontier.MarkErrored(entry.URL)
		return
	}
	defer release()

	host := hostOf(entry.URL)

	hostRelease, err := e.governor.AcquireHost(ctx, host)
	if err != nil {
		e.frontier.MarkErrored(entry.URL)
		return
	}
	defer hostRelease()

	var robotsDelay time.Duration
	if e.opts.RespectRobots {
		if u, err := url.Parse(entry.URL); err == nil {
			if d, ok := e.robots.CrawlDelay(ctx, u); ok {
				robotsDelay = d
			}
		}
	}
	if err := e.governor.WaitHost(ctx, host, robotsDelay); err != nil {
		e.frontier.MarkErrored(entry.URL)
		return
	}
	if err := e.governor.RateLimit(ctx, host, e.opts.RequestsPerSecond, e.opts.RateLimitBurst); err != nil {
		e.frontier.MarkErrored(entry.URL)
		return
	}

	resp, err := e.fetcher.Fetch(ctx, entry.URL)
	if err != nil {
		e.frontier.MarkErrored(entry.URL)
		e.tracker.IncrementFailed()
		e.publish(ctx, pageFromError(entry.URL, entry.Referrer, entry.Depth, err))
		e.pagesDelivered.Add(1)
		return
	}

	e.tracker.IncrementFetched()
	e.tracker.RecordFetchTime(resp.Timing.BodyDone.Sub(resp.Timing.RequestStart))

	candidates := e.extractLinks(resp, entry.URL)
	links := make([]string, 0, len(candidates))
	for _, c := range candidates {
		links = append(links, c.Raw)
	}

	e.publish(ctx, pageFromFetch(entry.URL, entry.Referrer, entry.Depth, resp, links))
	e.pagesDelivered.Add(1)

	// Every child must be admitted into the ready queue or explicitly
	// marked skipped before this entry's in-flight count drops to zero:
	// the termination checker polls Terminated() (ready empty AND
	// in-flight == 0) and calls Stop() the instant it sees that state, so
	// calling MarkDone before this loop finishes can let Stop() land in
	// the window between fetch and admission and silently drop children.
	for _, candidate := range candidates {
		e.admitDiscovered(ctx, candidate, resp.FinalURL, entry.Depth+1)
	}
	e.frontier.MarkDone(entry.URL)
}

func (e *Engine) extractLinks(resp *httpfetch.Response, baseURL string) []urlnorm.CanonicalURL {
	contentType := resp.Headers.Get("Content-Type")
	body := resp.Body

	var candidates []linkextract.Candidate
	if linkextract.IsXML(contentType) {
		if sm, err := linkextract.ExtractSitemap(body); err == nil && len(sm) > 0 {
			candidates = sm
		} else if feed, err := linkextract.ExtractFeed(body); err == nil {
			candidates = feed
		}
	} else {
		decoded, err := linkextract.DecodeBody(body, contentType)
		if err != nil {
			decoded = body
		}
		candidates = linkextract.ExtractHTML(decoded, linkextract.Options{
			FullResources: e.opts.FullResources,
			MaxBytes:      e.opts.MaxBodyBytes,
		})
	}

	out := make([]urlnorm.CanonicalURL, 0, len(candidates))
	for _, c := range candidates {
		canon, err := urlnorm.Canonicalize(c.RawURL, baseURL, urlnorm.Options{WWWEquivalence: e.opts.WWWEquivalence})
		if err != nil {
			continue
		}
		out = append(out, canon)
	}
	return out
}

func (e *Engine) admitDiscovered(ctx context.Context, candidate urlnorm.CanonicalURL, referrer string, depth int) {
	e.tracker.IncrementDiscovered()

	decision := e.chain.Admit(ctx, candidate, depth)
	if !decision.Admit {
		e.frontier.MarkSkipped(candidate.Raw)
		e.tracker.IncrementSkipped()
		return
	}

	if e.frontier.Admit(candidate.Raw, referrer, depth) {
		e.tracker.IncrementAdmitted()
		return
	}
	// Lost the CAS race (already admitted elsewhere): the speculative
	// ledger decrement this reservation made was never actually consumed.
	e.chain.Revert(decision)
}

func (e *Engine) publish(ctx context.Context, p Page) {
	_ = e.bus.Publish(ctx, p)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// Crawl runs the engine to completion without collecting page bodies;
// callers who want the pages should Subscribe first, or call Scrape.
func (h *Handle) Crawl(ctx context.Context) error {
	return h.engine.run(ctx)
}

// Scrape runs the engine to completion and returns every delivered page.
func (h *Handle) Scrape(ctx context.Context) ([]Page, error) {
	sub := h.engine.bus.Subscribe()
	var mu sync.Mutex
	var pages []Page
	done := make(chan struct{})
	go func() {
		for p := range sub.Receive() {
			mu.Lock()
			pages = append(pages, p)
			mu.Unlock()
		}
		close(done)
	}()

	err := h.engine.run(ctx)
	<-done
	return pages, err
}

// Subscribe returns a live receive handle for completed pages.
func (h *Handle) Subscribe() *bus.Handle[Page] {
	return h.engine.bus.Subscribe()
}

// Pause stops the frontier from yielding new work; in-flight work
// completes normally.
func (h *Handle) Pause() {
	h.engine.setState(Paused)
	h.engine.frontier.Pause()
}

// Resume lets the frontier yield work again.
func (h *Handle) Resume() {
	h.engine.setState(Running)
	h.engine.frontier.Resume()
}

// Shutdown cancels all outstanding fetches and discards queued-but-
// undispatched frontier entries; already-published pages are delivered
// (spec §4.10).
func (h *Handle) Shutdown() {
	h.engine.shutdown()
	globalRegistry.unregister(h.seed)
}

// shutdown cancels all outstanding fetches and discards queued-but-
// undispatched frontier entries; already-published pages are delivered
// (spec §4.10).
func (e *Engine) shutdown() {
	e.setState(Draining)
	e.frontier.Shutdown()
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Metrics returns a snapshot of the crawl's running counters.
func (h *Handle) Metrics() metrics.Snapshot { return h.engine.Metrics() }

// WriteMetrics finalizes and exports the crawl's metrics snapshot as JSON,
// for callers (the CLI) that want a metrics file per run.
func (h *Handle) WriteMetrics(path, reason string) error {
	if path == "" {
		return nil
	}
	return h.engine.tracker.WriteToFile(path, reason)
}

// State reports the crawl's current lifecycle stage.
func (h *Handle) State() State { return h.engine.State() }
