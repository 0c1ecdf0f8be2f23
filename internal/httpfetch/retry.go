package httpfetch

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"strings"
)

// classifyTransportError maps a low-level transport error to the fetch
// error taxonomy.
func classifyTransportError(rawURL string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, rawURL, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindCancelled, rawURL, err)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if uerr.Timeout() {
			return newError(KindTimeout, rawURL, err)
		}
		var redirectErr redirectOutOfScope
		if errors.As(uerr.Err, &redirectErr) {
			return newError(KindRedirectOutOfScope, rawURL, err)
		}
		if strings.Contains(uerr.Err.Error(), "redirect loop") {
			return newError(KindRedirectLoop, rawURL, err)
		}
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) || isTLSError(err) {
		return newError(KindTLS, rawURL, err)
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return newError(KindConnect, rawURL, err)
	}
	return newError(KindConnect, rawURL, err)
}

func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") ||
		strings.Contains(msg, "x509:") ||
		strings.Contains(msg, "certificate")
}

// retryable reports whether a transport error is a transient failure worth
// retrying: a connect error, a timeout, or a TLS handshake error, except a
// DNS NXDOMAIN. Retryable HTTP statuses are classified by retryableStatus.
func (f *Fetcher) retryable(err error) bool {
	var ferr *Error
	if !errors.As(err, &ferr) {
		return false
	}
	switch ferr.Kind {
	case KindConnect, KindTimeout, KindTLS:
		return !isPermanentDNSFailure(ferr.Err)
	default:
		return false
	}
}

func isPermanentDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	return false
}

// retryableStatus reports whether an HTTP status code warrants a retry.
func retryableStatus(status int) bool {
	switch status {
	case 408, 429, 502, 503, 504:
		return true
	default:
		return false
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// withWWW strips a leading "www." label, the retry classifier's narrow
// www-prefix-on-transient-TLS-error heuristic (spec §9); it never applies
// to general 4xx responses.
func withWWW(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if !strings.HasPrefix(host, "www.") {
		return ""
	}
	stripped := strings.TrimPrefix(host, "www.")
	if port := u.Port(); port != "" {
		stripped += ":" + port
	}
	u.Host = stripped
	return u.String()
}
