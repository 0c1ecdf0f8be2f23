// Package filterchain implements the deterministic, short-circuiting
// predicate pipeline that decides whether a candidate URL is admitted into
// the frontier.
package filterchain

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/webcrawl/webcrawl/internal/robotsstore"
	"github.com/webcrawl/webcrawl/internal/urlnorm"
)

// Reason enumerates why a candidate was rejected, for metrics/logging.
// Filter rejections are never surfaced to subscribers (spec §7).
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonScope          Reason = "out-of-scope"
	ReasonStatic         Reason = "static-asset"
	ReasonWhitelist      Reason = "not-whitelisted"
	ReasonBlacklist      Reason = "blacklisted"
	ReasonGlob           Reason = "glob-excluded"
	ReasonDepth          Reason = "depth-exceeded"
	ReasonBudget         Reason = "budget-exhausted"
	ReasonRobots         Reason = "robots-disallowed"
)

// defaultStaticExtensions blocks images, media, fonts, and other binary
// assets by default, per spec §4.3 step 2.
var defaultStaticExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".svg": true, ".ico": true, ".bmp": true, ".avif": true,
	".mp3": true, ".mp4": true, ".wav": true, ".avi": true, ".mov": true, ".webm": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".css": true, ".zip": true, ".gz": true, ".pdf": true, ".exe": true, ".dmg": true,
}

// Options configures a Chain from crawl-wide configuration.
type Options struct {
	AllowSubdomains bool
	AllowTLD        bool
	ExternalDomains map[string]bool

	StaticsIgnore map[string]bool // nil means use defaultStaticExtensions

	Whitelist []string // literal substrings or, if UseRegex, regex patterns
	Blacklist []string
	UseRegex  bool

	GlobExcludes []string // wildcard patterns translated once to compiled matchers

	DepthLimit int

	Budget map[string]int

	RespectRobots bool
	UserAgent     string
}

// Chain is a compiled, reusable predicate pipeline for one crawl.
type Chain struct {
	base *urlnorm.Base
	opts Options

	staticsIgnore map[string]bool
	whitelistRe   []*regexp.Regexp
	blacklistRe   []*regexp.Regexp
	whitelistLit  []string
	blacklistLit  []string
	globs         []glob.Glob

	ledger *Ledger
	robots *robotsstore.Store
}

// New compiles a Chain. robots may be nil when RespectRobots is false.
func New(base *urlnorm.Base, opts Options, robots *robotsstore.Store) (*Chain, error) {
	c := &Chain{base: base, opts: opts, robots: robots}

	c.staticsIgnore = opts.StaticsIgnore
	if c.staticsIgnore == nil {
		c.staticsIgnore = defaultStaticExtensions
	}

	if opts.UseRegex {
		for _, pattern := range opts.Whitelist {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, err
			}
			c.whitelistRe = append(c.whitelistRe, re)
		}
		for _, pattern := range opts.Blacklist {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, err
			}
			c.blacklistRe = append(c.blacklistRe, re)
		}
	} else {
		c.whitelistLit = opts.Whitelist
		c.blacklistLit = opts.Blacklist
	}

	for _, pattern := range opts.GlobExcludes {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		c.globs = append(c.globs, g)
	}

	ledger, err := NewLedger(opts.Budget)
	if err != nil {
		return nil, err
	}
	c.ledger = ledger

	return c, nil
}

// Decision is the outcome of running a candidate through the chain.
type Decision struct {
	Admit    bool
	Reason   Reason
	Reserved []string // ledger patterns reserved; caller must Commit or Revert
}

// Commit finalizes a Reserve; it is a no-op kept for symmetry with Revert
// and to make call sites self-documenting about the two-phase protocol.
func (c *Chain) Commit(Decision) {}

// Revert undoes a speculative ledger decrement for a decision that was
// admitted here but later rejected downstream (e.g. a visited-set race).
func (c *Chain) Revert(d Decision) {
	c.ledger.Revert(d.Reserved)
}

// Admit runs the full, fixed-order pipeline against a canonical candidate
// URL at the given depth. It may perform robots network I/O on cold hosts
// (last in the pipeline, by design).
func (c *Chain) Admit(ctx context.Context, candidate urlnorm.CanonicalURL, depth int) Decision {
	// 1. Scheme and scope predicate.
	scope := urlnorm.Classify(candidate, c.base, c.opts.ExternalDomains)
	if !urlnorm.InScope(scope, c.opts.AllowSubdomains, c.opts.AllowTLD, c.opts.ExternalDomains[candidate.Host]) {
		return Decision{Reason: ReasonScope}
	}

	// 2. Statics ignore.
	if c.isStatic(candidate.Path) {
		return Decision{Reason: ReasonStatic}
	}

	// 3. Whitelist.
	if !c.passesWhitelist(candidate.Raw) {
		return Decision{Reason: ReasonWhitelist}
	}

	// 4. Blacklist.
	if c.matchesBlacklist(candidate.Raw) {
		return Decision{Reason: ReasonBlacklist}
	}

	// 5. Glob match.
	if c.excludedByGlob(candidate.Raw) {
		return Decision{Reason: ReasonGlob}
	}

	// 6. Depth budget.
	if c.opts.DepthLimit > 0 && depth > c.opts.DepthLimit {
		return Decision{Reason: ReasonDepth}
	}

	// 7. Per-path quota ledger (speculative).
	reserved, ok := c.ledger.Reserve(candidate.Path)
	if !ok {
		return Decision{Reason: ReasonBudget}
	}

	// 8. Robots allow/deny (may require network I/O on cold hosts).
	if c.opts.RespectRobots && c.robots != nil {
		parsed, err := url.Parse(candidate.Raw)
		if err == nil && !c.robots.Allowed(ctx, parsed) {
			c.ledger.Revert(reserved)
			return Decision{Reason: ReasonRobots}
		}
	}

	return Decision{Admit: true, Reserved: reserved}
}

func (c *Chain) isStatic(path string) bool {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return false
	}
	ext := strings.ToLower(path[idx:])
	return c.staticsIgnore[ext]
}

func (c *Chain) passesWhitelist(raw string) bool {
	if len(c.whitelistLit) == 0 && len(c.whitelistRe) == 0 {
		return true
	}
	for _, lit := range c.whitelistLit {
		if strings.Contains(raw, lit) {
			return true
		}
	}
	for _, re := range c.whitelistRe {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

func (c *Chain) matchesBlacklist(raw string) bool {
	for _, lit := range c.blacklistLit {
		if strings.Contains(raw, lit) {
			return true
		}
	}
	for _, re := range c.blacklistRe {
		if re.MatchString(raw) {
			return true
		}
	}
	return false
}

func (c *Chain) excludedByGlob(raw string) bool {
	for _, g := range c.globs {
		if g.Match(raw) {
			return true
		}
	}
	return false
}
