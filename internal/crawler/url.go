package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL canonicalizes a URL for resource keys. It lowercases the
// scheme and host, removes default ports, sorts query parameters, and drops
// the fragment. Frontier URLs are stored as discovered, not normalized.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}
	return normalize(u), nil
}

// ResolveHref turns an href found during discovery of a site into the URL
// recorded in the frontier. An href starting with a single "/" is appended to
// the base URL's path, so "/a" under "https://ex.org/docs" is
// "https://ex.org/docs/a". Absolute hrefs are kept verbatim. Other relative
// hrefs resolve against the base like a browser would. Empty, fragment-only,
// and non-http(s) hrefs are rejected with ErrInvalidURL.
func ResolveHref(baseURL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", fmt.Errorf("%w: empty href", ErrInvalidURL)
	}
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if strings.HasPrefix(href, "/") && !strings.HasPrefix(href, "//") {
		root := *base
		root.RawQuery, root.Fragment, root.RawFragment = "", "", ""
		return checkFetchable(strings.TrimSuffix(root.String(), "/")+href, href)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: parse href %q: %v", ErrInvalidURL, href, err)
	}
	if ref.IsAbs() {
		return checkFetchable(href, href)
	}
	return checkFetchable(base.ResolveReference(ref).String(), href)
}

// ResolveLink resolves href against the page it appeared on, following
// RFC 3986 reference resolution.
func ResolveLink(pageURL, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", fmt.Errorf("%w: empty href", ErrInvalidURL)
	}
	page, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("%w: parse href %q: %v", ErrInvalidURL, href, err)
	}
	return checkFetchable(page.ResolveReference(ref).String(), href)
}

// checkFetchable returns resolved unchanged when it is an absolute http(s) URL.
func checkFetchable(resolved, href string) (string, error) {
	u, err := url.Parse(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: parse %q: %v", ErrInvalidURL, resolved, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidURL, href)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: no host in %q", ErrInvalidURL, href)
	}
	return resolved, nil
}

func normalize(u *url.URL) string {
	// Lowercase scheme and host
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String()
}
