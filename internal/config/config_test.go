package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/webcrawl/webcrawl/crawl"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadTranslatesFields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{
		"seed_urls": ["http://example.com/"],
		"delay_ms": 250,
		"global_concurrency": 8,
		"per_host_concurrency": 2,
		"requests_per_second": 5,
		"rate_limit_burst": 3,
		"slow_consumer_policy": "backpressure",
		"cron": "1h",
		"metrics_path": "out.json"
	}`)

	opts, metricsPath, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(opts.SeedURLs) != 1 || opts.SeedURLs[0] != "http://example.com/" {
		t.Errorf("SeedURLs = %v", opts.SeedURLs)
	}
	if opts.Delay.Milliseconds() != 250 {
		t.Errorf("Delay = %v, want 250ms", opts.Delay)
	}
	if opts.GlobalConcurrency != 8 {
		t.Errorf("GlobalConcurrency = %d, want 8", opts.GlobalConcurrency)
	}
	if opts.PerHostConcurrency != 2 {
		t.Errorf("PerHostConcurrency = %d, want 2", opts.PerHostConcurrency)
	}
	if opts.RequestsPerSecond != 5 {
		t.Errorf("RequestsPerSecond = %v, want 5", opts.RequestsPerSecond)
	}
	if opts.RateLimitBurst != 3 {
		t.Errorf("RateLimitBurst = %d, want 3", opts.RateLimitBurst)
	}
	if opts.SlowConsumerPolicy != crawl.Backpressure {
		t.Errorf("SlowConsumerPolicy = %v, want Backpressure", opts.SlowConsumerPolicy)
	}
	if opts.CronInterval.Hours() != 1 {
		t.Errorf("CronInterval = %v, want 1h", opts.CronInterval)
	}
	if metricsPath != "out.json" {
		t.Errorf("metricsPath = %q, want out.json", metricsPath)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"seed_urls": ["http://example.com/"]}`)

	opts, metricsPath, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if opts.RequestTimeout.Milliseconds() != 15000 {
		t.Errorf("RequestTimeout default = %v, want 15s", opts.RequestTimeout)
	}
	if opts.GlobalConcurrency != 16 {
		t.Errorf("GlobalConcurrency default = %d, want 16", opts.GlobalConcurrency)
	}
	if opts.RedirectLimit != 10 {
		t.Errorf("RedirectLimit default = %d, want 10", opts.RedirectLimit)
	}
	if opts.SlowConsumerPolicy != crawl.DropOldest {
		t.Errorf("SlowConsumerPolicy default = %v, want DropOldest", opts.SlowConsumerPolicy)
	}
	if metricsPath != "metrics.json" {
		t.Errorf("metricsPath default = %q, want metrics.json", metricsPath)
	}
}

func TestLoadRejectsMissingSeeds(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{}`)

	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for a config with no seed_urls")
	}
}

func TestLoadRejectsInvalidSlowConsumerPolicy(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"seed_urls": ["http://example.com/"], "slow_consumer_policy": "nonsense"}`)

	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for an invalid slow_consumer_policy")
	}
}

func TestLoadRejectsTooLowTimeout(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `{"seed_urls": ["http://example.com/"], "request_timeout_ms": 10}`)

	if _, _, err := Load(path); err == nil {
		t.Error("expected an error for a request_timeout_ms below the floor")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
