// Package linkextract scans fetched response bodies for outbound links
// without materializing a full DOM, plus sitemap and RSS/Atom handling.
package linkextract

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// ResourceKind tags which element a candidate was emitted from. The filter
// chain's statics-ignore step does not consult it; that step drops resource
// links by their path extension only.
type ResourceKind string

const (
	KindAnchor     ResourceKind = "anchor"
	KindLinkRel    ResourceKind = "link"
	KindImage      ResourceKind = "img"
	KindScript     ResourceKind = "script"
	KindStylesheet ResourceKind = "stylesheet"
)

// Candidate is a raw, not-yet-normalized URL discovered in a response body.
type Candidate struct {
	RawURL string
	Kind   ResourceKind
}

// Options controls how much of the document is scanned.
type Options struct {
	FullResources bool // also emit <img src>, <script src>, <link rel=stylesheet>
	MaxBytes      int64 // 0 means unbounded
}

// ExtractHTML streams an HTML token sequence out of body and emits link
// candidates, short-circuiting once MaxBytes of input have been consumed.
func ExtractHTML(body []byte, opts Options) []Candidate {
	if opts.MaxBytes > 0 && int64(len(body)) > opts.MaxBytes {
		body = body[:opts.MaxBytes]
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	var out []Candidate

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return out
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if c, ok := candidateFromToken(tok, opts.FullResources); ok {
				out = append(out, c)
			}
		}
	}
}

func candidateFromToken(tok html.Token, fullResources bool) (Candidate, bool) {
	switch tok.Data {
	case "a":
		if href, ok := attr(tok, "href"); ok {
			return Candidate{RawURL: href, Kind: KindAnchor}, true
		}
	case "link":
		href, hasHref := attr(tok, "href")
		if !hasHref {
			return Candidate{}, false
		}
		rel, _ := attr(tok, "rel")
		if strings.EqualFold(rel, "stylesheet") {
			if !fullResources {
				return Candidate{}, false
			}
			return Candidate{RawURL: href, Kind: KindStylesheet}, true
		}
		return Candidate{RawURL: href, Kind: KindLinkRel}, true
	case "img":
		if !fullResources {
			return Candidate{}, false
		}
		if src, ok := attr(tok, "src"); ok {
			return Candidate{RawURL: src, Kind: KindImage}, true
		}
	case "script":
		if !fullResources {
			return Candidate{}, false
		}
		if src, ok := attr(tok, "src"); ok {
			return Candidate{RawURL: src, Kind: KindScript}, true
		}
	}
	return Candidate{}, false
}

func attr(tok html.Token, name string) (string, bool) {
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Key, name) {
			return strings.TrimSpace(a.Val), true
		}
	}
	return "", false
}
