package scraper

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// trackingParams are dropped from listing URLs so the same posting shared
// through different campaigns keeps one fingerprint.
var trackingParams = map[string]struct{}{
	"fbclid":   {},
	"gclid":    {},
	"ref":      {},
	"refid":    {},
	"referrer": {},
	"tracking": {},
	"__tn__":   {},
	"__cft__":  {},
}

// Normalize resolves href against pageURL (or the adapter's base when the
// page URL is unusable) and rewrites it to the adapter's canonical form:
// absolute, lowercase host in the adapter's www form, no fragment, no default
// port, tracking parameters removed and the remaining query sorted.
// Normalize(Normalize(u)) == Normalize(u).
func (a *Adapter) Normalize(href, pageURL string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", fmt.Errorf("empty url")
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", href, err)
	}

	base, err := url.Parse(pageURL)
	if err != nil || !base.IsAbs() {
		base, err = url.Parse(a.BaseURL)
		if err != nil {
			return "", fmt.Errorf("parse base %q: %w", a.BaseURL, err)
		}
	}

	u := base.ResolveReference(ref)
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", href)
	}

	u.Host = stripDefaultPort(strings.ToLower(u.Host), u.Scheme)
	if canon, err := url.Parse(a.BaseURL); err == nil && canon.Host != "" {
		canonHost := strings.ToLower(canon.Host)
		if bareHost(u.Host) == bareHost(canonHost) {
			u.Host = canonHost
			u.Scheme = strings.ToLower(canon.Scheme)
		}
	}

	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	q := u.Query()
	for key := range q {
		if _, drop := trackingParams[strings.ToLower(key)]; drop || strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()
	u.ForceQuery = false

	return u.String(), nil
}

func bareHost(host string) string {
	return strings.TrimPrefix(host, "www.")
}

func stripDefaultPort(host, scheme string) string {
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
