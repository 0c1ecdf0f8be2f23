package filterchain

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Ledger tracks remaining per-path-pattern quotas. A single "*" entry
// expresses the crawl-wide limit. Decrements are speculative: Reserve
// atomically decrements, and the caller must call either Commit (no-op) or
// Revert if a downstream check later rejects the URL.
type Ledger struct {
	mu       sync.Mutex
	quotas   map[string]int // pattern -> remaining
	patterns []compiledPattern
}

type compiledPattern struct {
	raw string
	g   glob.Glob
}

// NewLedger compiles budget patterns (map of glob pattern -> quota) into a
// ledger. "*" matches every URL and expresses the crawl-wide cap.
func NewLedger(budget map[string]int) (*Ledger, error) {
	l := &Ledger{quotas: make(map[string]int, len(budget))}
	for pattern, quota := range budget {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		l.quotas[pattern] = quota
		l.patterns = append(l.patterns, compiledPattern{raw: pattern, g: g})
	}
	return l, nil
}

// matchingPatterns returns every configured pattern that applies to path;
// their order is not defined. "*" always matches. A pattern containing glob
// metacharacters matches via gobwas/glob. A plain literal pattern (e.g.
// "/blog", as in spec.md's budget example) matches hierarchically: it
// applies to its own path and to every path nested under it, the same
// path-prefix semantics as the original Rust is_over_inner_budget, not
// gobwas/glob's exact string match — glob.MustCompile("/blog") alone would
// never match "/blog/post-1".
func (l *Ledger) matchingPatterns(path string) []string {
	var matched []string
	for _, cp := range l.patterns {
		switch {
		case cp.raw == "*":
			matched = append(matched, cp.raw)
		case isGlobPattern(cp.raw):
			if cp.g.Match(path) || cp.g.Match(strings.TrimSuffix(path, "/")) {
				matched = append(matched, cp.raw)
			}
		case pathHasSegmentPrefix(cp.raw, path):
			matched = append(matched, cp.raw)
		}
	}
	return matched
}

// isGlobPattern reports whether raw contains a gobwas/glob metacharacter,
// distinguishing a wildcard pattern from a plain literal path.
func isGlobPattern(raw string) bool {
	return strings.ContainsAny(raw, "*?[{\\")
}

// pathHasSegmentPrefix reports whether path falls under pattern in the
// directory-hierarchy sense: every "/"-delimited segment of pattern matches
// the corresponding segment of path, in order, with path allowed extra
// trailing segments. "/blog" matches "/blog" and "/blog/post-1" but not
// "/blogger".
func pathHasSegmentPrefix(pattern, path string) bool {
	patSegs := strings.Split(strings.Trim(pattern, "/"), "/")
	pathSegs := strings.Split(strings.Trim(path, "/"), "/")
	if len(patSegs) > len(pathSegs) {
		return false
	}
	for i, seg := range patSegs {
		if pathSegs[i] != seg {
			return false
		}
	}
	return true
}

// Reserve speculatively decrements the quota of every pattern matching
// path. It returns the list of patterns it decremented (for Revert) and
// whether admission succeeded. Budget safety (§3) requires the sum of
// admitted fetches for a pattern never exceed its initial quota, so a
// single out-of-budget match fails the whole reservation without partially
// decrementing other patterns.
func (l *Ledger) Reserve(path string) (reserved []string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	matches := l.matchingPatterns(path)
	for _, pattern := range matches {
		if l.quotas[pattern] <= 0 {
			return nil, false
		}
	}
	for _, pattern := range matches {
		l.quotas[pattern]--
	}
	return matches, true
}

// Revert restores quota decremented by a Reserve whose admission was later
// rejected by a downstream filter check.
func (l *Ledger) Revert(reserved []string) {
	if len(reserved) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pattern := range reserved {
		l.quotas[pattern]++
	}
}

// Remaining reports the current remaining quota for a pattern, for metrics
// and tests.
func (l *Ledger) Remaining(pattern string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quotas[pattern]
}
