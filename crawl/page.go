package crawl

import (
	"net/http"
	"time"

	"github.com/webcrawl/webcrawl/internal/httpfetch"
)

// ErrorKind mirrors the fetcher's error taxonomy (spec §4.4, §7) plus the
// filter-and-normalization-adjacent kinds a page record can carry.
type ErrorKind string

const (
	ErrNone               ErrorKind = ""
	ErrTimeout            ErrorKind = "timeout"
	ErrConnect            ErrorKind = "connect"
	ErrTLS                ErrorKind = "tls"
	ErrRedirectLoop       ErrorKind = "redirect-loop"
	ErrRedirectOutOfScope ErrorKind = "redirect-out-of-scope"
	ErrBodyTooLarge       ErrorKind = "body-too-large"
	ErrInvalidResponse    ErrorKind = "invalid-response"
	ErrCancelled          ErrorKind = "cancelled"
	ErrDecodeError        ErrorKind = "decode-error"
	ErrURLParse           ErrorKind = "url-parse-error"
)

// Hop is one step of a followed redirect chain (SPEC_FULL.md §3 ADDED
// redirect chain bookkeeping).
type Hop struct {
	URL    string
	Status int
}

// Page is delivered to subscribers for every fetch attempt, successful or
// not, so consumers can observe failures (spec §7).
type Page struct {
	URL      string
	FinalURL string
	Referrer string
	Depth    int

	Status  int
	Headers http.Header
	Body    []byte
	Links   []string

	Hops []Hop

	RequestStart time.Time
	HeadersDone  time.Time
	BodyDone     time.Time

	FromCache bool

	Error     ErrorKind
	ErrorText string
}

func pageFromFetch(url, referrer string, depth int, resp *httpfetch.Response, links []string) Page {
	p := Page{
		URL:          url,
		FinalURL:     resp.FinalURL,
		Referrer:     referrer,
		Depth:        depth,
		Status:       resp.Status,
		Headers:      resp.Headers,
		Body:         resp.Body,
		Links:        links,
		RequestStart: resp.Timing.RequestStart,
		HeadersDone:  resp.Timing.HeadersDone,
		BodyDone:     resp.Timing.BodyDone,
		FromCache:    resp.FromCache,
	}
	for _, h := range resp.Hops {
		p.Hops = append(p.Hops, Hop{URL: h.URL, Status: h.Status})
	}
	return p
}

func pageFromError(url, referrer string, depth int, err error) Page {
	p := Page{URL: url, Referrer: referrer, Depth: depth, ErrorText: err.Error()}

	var fetchErr *httpfetch.Error
	if as, ok := err.(*httpfetch.Error); ok {
		fetchErr = as
	}
	if fetchErr == nil {
		p.Error = ErrInvalidResponse
		return p
	}

	switch fetchErr.Kind {
	case httpfetch.KindTimeout:
		p.Error = ErrTimeout
	case httpfetch.KindConnect:
		p.Error = ErrConnect
	case httpfetch.KindTLS:
		p.Error = ErrTLS
	case httpfetch.KindRedirectLoop:
		p.Error = ErrRedirectLoop
	case httpfetch.KindRedirectOutOfScope:
		p.Error = ErrRedirectOutOfScope
	case httpfetch.KindBodyTooLarge:
		p.Error = ErrBodyTooLarge
	case httpfetch.KindInvalidResponse:
		p.Error = ErrInvalidResponse
	case httpfetch.KindCancelled:
		p.Error = ErrCancelled
	case httpfetch.KindDecodeError:
		p.Error = ErrDecodeError
	default:
		p.Error = ErrInvalidResponse
	}
	return p
}
