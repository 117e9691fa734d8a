package frontier

import (
	"regexp"
	"strings"
)

// File extensions that are downloads rather than pages.
var excludedExtensions = []string{
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx",
	".zip", ".rar", ".tar", ".gz", ".7z",
	".jpg", ".jpeg", ".png", ".gif", ".svg", ".webp", ".ico",
	".mp4", ".avi", ".mov", ".wmv", ".flv",
	".mp3", ".wav", ".ogg", ".flac",
	".exe", ".dmg", ".deb", ".rpm",
}

// URL path shapes that are machine endpoints, not pages.
var excludedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/feed`),
	regexp.MustCompile(`/rss`),
	regexp.MustCompile(`/atom`),
	regexp.MustCompile(`/sitemap`),
	regexp.MustCompile(`/robots\.txt`),
	regexp.MustCompile(`/api/`),
	regexp.MustCompile(`/ajax/`),
	regexp.MustCompile(`/json/`),
}

// Policy decides which candidate URLs enter the frontier.
type Policy struct {
	// AllowedDomains restricts admission to these domain keys. Empty means
	// any domain, which is almost never what a harvest run wants.
	AllowedDomains []string
	// MaxDepth is the deepest page that will still be crawled. Pages at
	// exactly MaxDepth are fetched, but their outbound links are not
	// followed (the depth check is > not >=). Negative means unlimited.
	MaxDepth int
}

// Admit reports whether a normalized URL may enter the frontier.
func (p Policy) Admit(normalized string) bool {
	if normalized == "" {
		return false
	}
	if !strings.HasPrefix(normalized, "http://") && !strings.HasPrefix(normalized, "https://") {
		return false
	}
	if len(p.AllowedDomains) > 0 {
		domain := ExtractDomain(normalized)
		found := false
		for _, allowed := range p.AllowedDomains {
			if domainKey(allowed) == domain {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	lower := strings.ToLower(normalized)
	for _, ext := range excludedExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	for _, pattern := range excludedPatterns {
		if pattern.MatchString(lower) {
			return false
		}
	}
	return true
}

// WithinDepth reports whether a page at depth should still be crawled.
func (p Policy) WithinDepth(depth int) bool {
	return p.MaxDepth < 0 || depth <= p.MaxDepth
}

// FollowLinks reports whether links discovered at depth should be enqueued.
func (p Policy) FollowLinks(depth int) bool {
	return p.MaxDepth < 0 || depth < p.MaxDepth
}

// Domains returns the normalized domain keys of the allow-list.
func (p Policy) Domains() []string {
	out := make([]string, 0, len(p.AllowedDomains))
	for _, d := range p.AllowedDomains {
		out = append(out, domainKey(d))
	}
	return out
}
