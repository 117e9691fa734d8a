// Package frontier produces the next URL to visit, either from an in-process
// queue (single-machine modes) or the shared distributed queue.
package frontier

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL resolves candidate against base and standardizes the result so
// the same page never appears under two spellings: lowercased scheme/host,
// default ports and fragments removed, sorted query parameters, and no
// trailing slash (except the root path). Non-HTTP schemes normalize to "".
func NormalizeURL(candidate, base string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" {
		return "", nil
	}
	lower := strings.ToLower(candidate)
	for _, scheme := range []string{"mailto:", "tel:", "javascript:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return "", nil
		}
	}

	u, err := url.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if base != "" {
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse base url: %w", err)
		}
		u = b.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", nil
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.RawQuery = u.Query().Encode()
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// ExtractDomain returns the registrable host of a URL, without port or a
// leading "www." so both spellings collapse to one domain key.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// domainKey normalizes an allow-list entry, which may be a full URL or a
// bare hostname, to the same key ExtractDomain produces.
func domainKey(entry string) string {
	if key := ExtractDomain(entry); key != "" {
		return key
	}
	host := strings.ToLower(strings.TrimSpace(entry))
	return strings.TrimPrefix(host, "www.")
}

// SameDomain reports whether two URLs share a domain key.
func SameDomain(a, b string) bool {
	da, db := ExtractDomain(a), ExtractDomain(b)
	return da != "" && da == db
}
