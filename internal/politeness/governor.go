// Package politeness enforces per-host request delay and the crawl's
// global concurrency cap.
package politeness

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Governor combines a global concurrency semaphore with a per-host delay
// floor, grounded on the per-domain rate limiting of
// haesookimDev-newscrawler's DomainLimiter.
type Governor struct {
	global chan struct{}

	configuredDelay time.Duration
	perHostCap      int

	mu        sync.Mutex
	last      map[string]time.Time
	hostLocks map[string]*sync.Mutex
	hostSems  map[string]chan struct{}
	limiters  map[string]*rate.Limiter
}

// Options configures a Governor.
type Options struct {
	// GlobalConcurrency caps total concurrent fetches across all hosts. 0
	// derives a default from runtime.NumCPU(), per spec §4.7.
	GlobalConcurrency int
	// Delay is the configured floor on inter-request interval per host;
	// the effective delay is max(Delay, robots crawl-delay) applied by the
	// caller via WaitHost's delay override.
	Delay time.Duration
	// PerHostConcurrency caps concurrent in-flight requests to a single
	// host, independent of GlobalConcurrency's crawl-wide cap (spec §6).
	// 0 means no per-host cap beyond the global one.
	PerHostConcurrency int
}

// New constructs a Governor.
func New(opts Options) *Governor {
	n := opts.GlobalConcurrency
	if n <= 0 {
		n = runtime.NumCPU() * 4
		if n < 4 {
			n = 4
		}
	}
	return &Governor{
		global:          make(chan struct{}, n),
		configuredDelay: opts.Delay,
		perHostCap:      opts.PerHostConcurrency,
		last:            make(map[string]time.Time),
		hostLocks:       make(map[string]*sync.Mutex),
		hostSems:        make(map[string]chan struct{}),
		limiters:        make(map[string]*rate.Limiter),
	}
}

// hostSem returns the per-host concurrency semaphore for host, creating it
// on first use.
func (g *Governor) hostSem(host string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.hostSems[host]
	if !ok {
		sem = make(chan struct{}, g.perHostCap)
		g.hostSems[host] = sem
	}
	return sem
}

// AcquireHost blocks until a per-host concurrency permit for host is free,
// or ctx is done. It is a no-op when PerHostConcurrency is unconfigured.
// The returned release function must be called exactly once.
func (g *Governor) AcquireHost(ctx context.Context, host string) (release func(), err error) {
	if g.perHostCap <= 0 {
		return func() {}, nil
	}
	host = strings.ToLower(host)
	sem := g.hostSem(host)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// hostLock returns the serialization lock for host, creating it on first use.
func (g *Governor) hostLock(host string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.hostLocks[host]
	if !ok {
		l = &sync.Mutex{}
		g.hostLocks[host] = l
	}
	return l
}

// AcquireGlobal blocks until a global concurrency permit is free, or ctx is
// done. The returned release function must be called exactly once.
func (g *Governor) AcquireGlobal(ctx context.Context) (release func(), err error) {
	select {
	case g.global <- struct{}{}:
		return func() { <-g.global }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitHost blocks until the per-host politeness interval for host has
// elapsed, honoring robotsDelay when it exceeds the crawl's configured
// delay (spec §4.7: "max(configured_delay, robots_delay)"). Callers for the
// same host serialize on that host's lock for the full check-sleep-commit
// sequence, so two concurrent callers can never both observe the same stale
// last-request time and sleep the same duration.
func (g *Governor) WaitHost(ctx context.Context, host string, robotsDelay time.Duration) error {
	host = strings.ToLower(host)
	delay := g.configuredDelay
	if robotsDelay > delay {
		delay = robotsDelay
	}
	if delay <= 0 {
		return nil
	}

	lock := g.hostLock(host)
	lock.Lock()
	defer lock.Unlock()

	g.mu.Lock()
	last, ok := g.last[host]
	g.mu.Unlock()

	var sleep time.Duration
	if ok {
		if rest := last.Add(delay).Sub(time.Now()); rest > 0 {
			sleep = rest
		}
	}

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.mu.Lock()
	g.last[host] = time.Now()
	g.mu.Unlock()
	return nil
}

// RateLimit applies an additional token-bucket cap per host, for callers
// that configure a requests-per-window budget independent of the flat
// delay floor.
func (g *Governor) RateLimit(ctx context.Context, host string, requestsPerSecond float64, burst int) error {
	if requestsPerSecond <= 0 {
		return nil
	}
	host = strings.ToLower(host)

	g.mu.Lock()
	limiter, ok := g.limiters[host]
	if !ok {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
		g.limiters[host] = limiter
	}
	g.mu.Unlock()

	return limiter.Wait(ctx)
}
