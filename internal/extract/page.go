package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Title returns the page title, falling back to the first h1.
func Title(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	if t := cleanText(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return cleanText(doc.Find("h1").First().Text())
}

// Links returns every anchor href on the page resolved against pageURL.
// Order follows document order; duplicates are preserved for the frontier to
// deduplicate.
func Links(html, pageURL string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		if resolved := absURL(href, pageURL); resolved != "" {
			links = append(links, resolved)
		}
	})
	return links, nil
}
