package crawl

import "time"

// SlowConsumerPolicy selects how the Subscription Bus behaves when a
// subscriber falls behind the publish rate (spec §4.9, §6).
type SlowConsumerPolicy int

const (
	// DropOldest evicts a lagging subscriber's oldest buffered page.
	DropOldest SlowConsumerPolicy = iota
	// Backpressure blocks publish until every subscriber has room.
	Backpressure
)

// Options is the full programmatic configuration surface of a crawl
// (spec §6's "Configuration options recognized").
type Options struct {
	// SeedURLs are the crawl's starting points; the first seed's origin
	// derives the base domain and scope predicate (spec §3).
	SeedURLs []string

	UserAgent     string
	RespectRobots bool

	AllowSubdomains bool
	AllowTLD        bool
	ExternalDomains []string
	WWWEquivalence  bool

	Delay             time.Duration
	PerHostConcurrency int
	GlobalConcurrency  int

	// RequestsPerSecond, if > 0, applies an additional per-host token-bucket
	// cap on top of the flat Delay floor (spec §4.7's DomainLimiter-style
	// delay-floor-plus-token-bucket combination). RateLimitBurst sets the
	// bucket's burst size; 0 defaults to 1.
	RequestsPerSecond float64
	RateLimitBurst    int

	RequestTimeout time.Duration
	RedirectLimit  int
	MaxBodyBytes   int64

	Blacklist []string
	Whitelist []string
	UseRegex  bool

	Budget     map[string]int
	DepthLimit int

	Headers            map[string]string
	ProxyURLs          []string
	AcceptInvalidCerts bool

	CacheEnabled bool
	CacheDir     string

	FullResources    bool
	StaticsIgnore    map[string]bool
	GlobExcludes     []string

	HedgeAfter  time.Duration
	HedgeBudget int

	MaxRetries     int
	RetryBaseDelay time.Duration

	BroadcastChannelSize int
	SlowConsumerPolicy   SlowConsumerPolicy

	// MaxPages caps the crawl-wide page budget independent of the
	// per-pattern Budget ledger; 0 means unbounded.
	MaxPages int

	// Deadline, if non-zero, triggers shutdown once elapsed (spec §5).
	Deadline time.Duration

	// CronInterval, if non-zero, wraps the engine in the interval
	// supervisor (spec §4.8 Cron variant; ADDED — see DESIGN.md for the
	// Open Question resolution on cron grammar).
	CronInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.UserAgent == "" {
		o.UserAgent = "webcrawl/1.0"
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.RedirectLimit <= 0 {
		o.RedirectLimit = 10
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 10 << 20
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 2
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 500 * time.Millisecond
	}
	if o.BroadcastChannelSize <= 0 {
		o.BroadcastChannelSize = 64
	}
}

func (o *Options) validate() error {
	if len(o.SeedURLs) == 0 {
		return wrapConfig("at least one seed url is required")
	}
	for _, pattern := range o.Blacklist {
		if pattern == "" {
			return wrapConfig("blacklist entries must not be empty")
		}
	}
	if o.PerHostConcurrency < 0 {
		return wrapConfig("per_host_concurrency must be >= 0")
	}
	if o.GlobalConcurrency < 0 {
		return wrapConfig("global_concurrency must be >= 0")
	}
	if o.RequestsPerSecond < 0 {
		return wrapConfig("requests_per_second must be >= 0")
	}
	return nil
}
