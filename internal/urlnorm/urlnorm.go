// Package urlnorm parses, canonicalizes, and scope-classifies candidate URLs
// relative to a crawl's base domain.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	whatwg "github.com/nlnwa/whatwg-url/url"
)

// Scope classifies a canonical URL relative to a crawl's Base.
type Scope int

const (
	// Same means the URL shares the base's exact host.
	Same Scope = iota
	// Subdomain means the URL's host is a subdomain of the base's registrable domain.
	Subdomain
	// SameTLD means the URL's host shares the base's top-level domain but not its registrable domain.
	SameTLD
	// External means none of the above, or the host is on the crawl's explicit allow list.
	External
)

func (s Scope) String() string {
	switch s {
	case Same:
		return "same"
	case Subdomain:
		return "subdomain"
	case SameTLD:
		return "same-tld"
	default:
		return "external"
	}
}

// ErrRejected is wrapped by any URL that Canonicalize refuses to admit.
var ErrRejected = errors.New("url rejected")

// schemes of non-navigable URIs the crawler never follows.
var nonNavigableSchemes = map[string]bool{
	"mailto":     true,
	"javascript": true,
	"data":       true,
	"tel":        true,
	"ftp":        true,
}

// parser is shared across all normalization calls; the WHATWG parser is
// safe for concurrent use once constructed.
var parser = whatwg.NewParser(whatwg.WithPercentEncodeSinglePercentSign())

// Options controls normalization policy fixed once per crawl.
type Options struct {
	// WWWEquivalence folds "www.<host>" and "<host>" to the same canonical host.
	WWWEquivalence bool
}

// Base is the crawl's origin and the scope predicate derived from it.
type Base struct {
	Scheme   string
	Host     string // lowercased, default port stripped, www-folded per Options
	Registrable string // best-effort registrable domain (last two labels)
	opts     Options
}

// ParseBase derives a Base from a seed URL.
func ParseBase(seed string, opts Options) (*Base, error) {
	u, err := Canonicalize(seed, "", opts)
	if err != nil {
		return nil, fmt.Errorf("parse base: %w", err)
	}
	return &Base{
		Scheme:      u.Scheme,
		Host:        u.Host,
		Registrable: registrableDomain(u.Host),
		opts:        opts,
	}, nil
}

// CanonicalURL is the unit of scheduling: a fully normalized absolute URL.
type CanonicalURL struct {
	Scheme string
	Host   string
	Path   string
	Query  string
	// Raw is the fully reconstructed canonical string, the scheduling key.
	Raw string
}

func (c CanonicalURL) String() string { return c.Raw }

// Canonicalize resolves input against referrer (if input is relative or
// protocol-relative) and normalizes the result. referrer may be "" when
// input is known to be absolute (e.g. a seed URL).
func Canonicalize(input, referrer string, opts Options) (CanonicalURL, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return CanonicalURL{}, fmt.Errorf("%w: empty url", ErrRejected)
	}

	resolved, err := resolve(input, referrer)
	if err != nil {
		return CanonicalURL{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return CanonicalURL{}, fmt.Errorf("%w: non-http(s) scheme %q", ErrRejected, resolved.Scheme)
	}
	if nonNavigableSchemes[resolved.Scheme] {
		return CanonicalURL{}, fmt.Errorf("%w: non-navigable scheme %q", ErrRejected, resolved.Scheme)
	}

	// Run the resolved absolute form through the WHATWG parser for
	// percent-encoding normalization and IDN host folding.
	whatwgURL, err := parser.Parse(resolved.String())
	if err != nil {
		return CanonicalURL{}, fmt.Errorf("%w: whatwg parse: %v", ErrRejected, err)
	}

	normalized, err := url.Parse(whatwgURL.String())
	if err != nil {
		return CanonicalURL{}, fmt.Errorf("%w: reparse normalized form: %v", ErrRejected, err)
	}

	scheme := strings.ToLower(normalized.Scheme)
	host := foldHost(normalized, opts)
	path := normalizePath(normalized.Path)
	query := normalized.RawQuery

	raw := scheme + "://" + host + path
	if query != "" {
		raw += "?" + query
	}

	return CanonicalURL{Scheme: scheme, Host: host, Path: path, Query: query, Raw: raw}, nil
}

// resolve handles protocol-relative ("//host/path") and relative URLs by
// resolving against referrer using the referrer's own scheme, per spec:
// relative links on a subdomain response resolve against that response's
// own URL, not the seed's origin.
func resolve(input, referrer string) (*url.URL, error) {
	if strings.HasPrefix(input, "//") {
		if referrer == "" {
			return nil, fmt.Errorf("protocol-relative url with no referrer scheme")
		}
		refURL, err := url.Parse(referrer)
		if err != nil {
			return nil, err
		}
		input = refURL.Scheme + ":" + input
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return nil, err
	}
	if parsed.IsAbs() {
		return parsed, nil
	}
	if referrer == "" {
		return nil, fmt.Errorf("relative url %q with no referrer", input)
	}
	refURL, err := url.Parse(referrer)
	if err != nil {
		return nil, err
	}
	return refURL.ResolveReference(parsed), nil
}

func foldHost(u *url.URL, opts Options) string {
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(u.Scheme, port) {
		host += ":" + port
	}
	if opts.WWWEquivalence {
		host = strings.TrimPrefix(host, "www.")
	}
	return host
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// normalizePath collapses "." and ".." segments (url.Parse already does
// this for us via url.URL.Path when constructed from a resolved reference,
// but we re-clean defensively) and applies the fixed trailing-slash policy:
// a path keeps a trailing slash exactly when it already ends in one; no
// slash is added or removed. An empty path becomes "/".
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := cleanPath(p)
	if cleaned == "" {
		cleaned = "/"
	}
	return cleaned
}

func cleanPath(p string) string {
	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case ".":
			continue
		case "..":
			if len(out) > 0 && out[len(out)-1] != "" {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return strings.Join(out, "/")
}

// registrableDomain returns a best-effort "last two labels" registrable
// domain. It does not consult a public-suffix list; this is a deliberate
// simplification for the SameTLD/Subdomain scope classification, which
// spec.md does not require to be PSL-exact.
func registrableDomain(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func tld(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) == 0 {
		return ""
	}
	return labels[len(labels)-1]
}

// Classify computes the scope class of a canonical URL relative to base.
// externalAllow is the crawl's configured external-domains allow list
// (hosts treated as in-scope regardless of classification).
func Classify(u CanonicalURL, base *Base, externalAllow map[string]bool) Scope {
	if u.Host == base.Host {
		return Same
	}
	if registrableDomain(u.Host) == base.Registrable {
		return Subdomain
	}
	if externalAllow[u.Host] {
		return External
	}
	if tld(u.Host) == tld(base.Host) && tld(u.Host) != "" {
		return SameTLD
	}
	return External
}

// InScope reports whether scope is admissible under the crawl's widening
// flags plus the explicit external-domains allow list (already folded into
// Classify via externalAllow).
func InScope(scope Scope, allowSubdomains, allowTLD bool, isExternalAllowed bool) bool {
	switch scope {
	case Same:
		return true
	case Subdomain:
		return allowSubdomains
	case SameTLD:
		return allowTLD
	default:
		return isExternalAllowed
	}
}
