// Package extract parses fetched HTML into structured records and discovered
// links. Every function here is pure: HTML in, fields out, no I/O, so stage
// drivers stay testable without a live renderer.
package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// cleanText collapses whitespace runs and trims the result.
func cleanText(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// absURL resolves href against base. Empty or unparsable inputs yield "".
func absURL(href, base string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != "" {
		b, err := url.Parse(base)
		if err == nil {
			u = b.ResolveReference(u)
		}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

var digitRun = regexp.MustCompile(`\d+`)

// firstInt pulls the first run of digits out of s.
func firstInt(s string) int {
	m := digitRun.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		return 0
	}
	return n
}

// splitNameCity splits "Name - Branch, City" on the last comma.
func splitNameCity(full string) (name, city string) {
	idx := strings.LastIndex(full, ",")
	if idx < 0 {
		return cleanText(full), ""
	}
	return cleanText(full[:idx]), cleanText(full[idx+1:])
}
