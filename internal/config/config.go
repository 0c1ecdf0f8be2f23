// Package config loads a JSON configuration file into crawl.Options, for
// use only by the cmd/webcrawl CLI; library callers construct
// crawl.Options directly in code (spec §6 ADDED ambient configuration).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/webcrawl/webcrawl/crawl"
)

// File is the on-disk JSON shape; field names mirror spec §6's
// configuration option keys rather than crawl.Options' Go field names.
type File struct {
	SeedURLs []string `json:"seed_urls"`

	UserAgent     string `json:"user_agent"`
	RespectRobots bool   `json:"respect_robots"`

	Subdomains      bool     `json:"subdomains"`
	TLD             bool     `json:"tld"`
	ExternalDomains []string `json:"external_domains"`
	WWWEquivalence  bool     `json:"www_equivalence"`

	DelayMs            int64   `json:"delay_ms"`
	PerHostConcurrency int     `json:"per_host_concurrency"`
	GlobalConcurrency  int     `json:"global_concurrency"`
	RequestsPerSecond  float64 `json:"requests_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst"`

	RequestTimeoutMs int64 `json:"request_timeout_ms"`
	RedirectLimit    int   `json:"redirect_limit"`
	MaxBodyBytes     int64 `json:"max_body_bytes"`

	Blacklist []string `json:"blacklist"`
	Whitelist []string `json:"whitelist"`
	UseRegex  bool      `json:"use_regex"`

	Budget     map[string]int `json:"budget"`
	DepthLimit int            `json:"depth_limit"`

	Headers            map[string]string `json:"headers"`
	ProxyURLs          []string          `json:"proxy_urls"`
	AcceptInvalidCerts bool              `json:"accept_invalid_certs"`

	CacheEnabled bool   `json:"cache_enabled"`
	CacheDir     string `json:"cache_dir"`

	FullResources bool     `json:"full_resources"`
	GlobExcludes  []string `json:"glob_excludes"`

	HedgeAfterMs int `json:"hedge_after_ms"`
	HedgeBudget  int `json:"hedge_budget"`

	MaxRetries       int   `json:"max_retries"`
	RetryBaseDelayMs int64 `json:"retry_base_delay_ms"`

	BroadcastChannelSize int    `json:"broadcast_channel_size"`
	SlowConsumerPolicy   string `json:"slow_consumer_policy"` // "drop_oldest" | "backpressure"

	MaxPages     int   `json:"max_pages"`
	DeadlineMs   int64 `json:"deadline_ms"`
	CronInterval string `json:"cron"` // parsed as a Go duration string, per DESIGN.md's Open Question resolution

	MetricsPath string `json:"metrics_path"`
}

// Load reads and validates a JSON config file, translating it into
// crawl.Options (grounded on the teacher's LoadConfig: json.Decode,
// applyDefaults, validate).
func Load(path string) (crawl.Options, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return crawl.Options{}, "", fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	var cfg File
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return crawl.Options{}, "", fmt.Errorf("parse config json: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return crawl.Options{}, "", fmt.Errorf("invalid configuration: %w", err)
	}

	return toOptions(cfg), cfg.MetricsPath, nil
}

func applyDefaults(cfg *File) {
	if cfg.RequestTimeoutMs == 0 {
		cfg.RequestTimeoutMs = 15000
	}
	if cfg.GlobalConcurrency == 0 {
		cfg.GlobalConcurrency = 16
	}
	if cfg.RedirectLimit == 0 {
		cfg.RedirectLimit = 10
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.BroadcastChannelSize == 0 {
		cfg.BroadcastChannelSize = 64
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "metrics.json"
	}
}

func validate(cfg *File) error {
	if len(cfg.SeedURLs) == 0 {
		return fmt.Errorf("seed_urls is required")
	}
	if cfg.RequestTimeoutMs < 1000 {
		return fmt.Errorf("request_timeout_ms must be >= 1000")
	}
	if cfg.SlowConsumerPolicy != "" && cfg.SlowConsumerPolicy != "drop_oldest" && cfg.SlowConsumerPolicy != "backpressure" {
		return fmt.Errorf("slow_consumer_policy must be drop_oldest or backpressure")
	}
	return nil
}

func toOptions(cfg File) crawl.Options {
	policy := crawl.DropOldest
	if cfg.SlowConsumerPolicy == "backpressure" {
		policy = crawl.Backpressure
	}

	var cronInterval time.Duration
	if cfg.CronInterval != "" {
		if d, err := time.ParseDuration(cfg.CronInterval); err == nil {
			cronInterval = d
		}
	}

	return crawl.Options{
		SeedURLs:             cfg.SeedURLs,
		UserAgent:            cfg.UserAgent,
		RespectRobots:        cfg.RespectRobots,
		AllowSubdomains:      cfg.Subdomains,
		AllowTLD:             cfg.TLD,
		ExternalDomains:      cfg.ExternalDomains,
		WWWEquivalence:       cfg.WWWEquivalence,
		Delay:                time.Duration(cfg.DelayMs) * time.Millisecond,
		PerHostConcurrency:   cfg.PerHostConcurrency,
		GlobalConcurrency:    cfg.GlobalConcurrency,
		RequestsPerSecond:    cfg.RequestsPerSecond,
		RateLimitBurst:       cfg.RateLimitBurst,
		RequestTimeout:       time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		RedirectLimit:        cfg.RedirectLimit,
		MaxBodyBytes:         cfg.MaxBodyBytes,
		Blacklist:            cfg.Blacklist,
		Whitelist:            cfg.Whitelist,
		UseRegex:             cfg.UseRegex,
		Budget:               cfg.Budget,
		DepthLimit:           cfg.DepthLimit,
		Headers:              cfg.Headers,
		ProxyURLs:            cfg.ProxyURLs,
		AcceptInvalidCerts:   cfg.AcceptInvalidCerts,
		CacheEnabled:         cfg.CacheEnabled,
		CacheDir:             cfg.CacheDir,
		FullResources:        cfg.FullResources,
		GlobExcludes:         cfg.GlobExcludes,
		HedgeAfter:           time.Duration(cfg.HedgeAfterMs) * time.Millisecond,
		HedgeBudget:          cfg.HedgeBudget,
		MaxRetries:           cfg.MaxRetries,
		RetryBaseDelay:       time.Duration(cfg.RetryBaseDelayMs) * time.Millisecond,
		BroadcastChannelSize: cfg.BroadcastChannelSize,
		SlowConsumerPolicy:   policy,
		MaxPages:             cfg.MaxPages,
		Deadline:             time.Duration(cfg.DeadlineMs) * time.Millisecond,
		CronInterval:         cronInterval,
	}
}
