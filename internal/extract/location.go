package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Location is a link from a location index page to one city's listing page.
type Location struct {
	Name string
	URL  string
}

// LocationLinks parses a location index page into the listing pages it links
// to. pathHint selects the anchors; only hrefs containing it count as listing
// links. Link text like "Hospitals in Lahore" is reduced to the location name
// and results are deduplicated by URL in document order.
func LocationLinks(html, pageURL, pathHint string) ([]Location, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse location index html: %w", err)
	}
	seen := map[string]struct{}{}
	var locations []Location
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if pathHint == "" || !strings.Contains(href, pathHint) {
			return
		}
		resolved := absURL(href, pageURL)
		if resolved == "" || resolved == pageURL {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		name := locationName(cleanText(sel.Text()))
		if name == "" {
			return
		}
		seen[resolved] = struct{}{}
		locations = append(locations, Location{Name: name, URL: resolved})
	})
	return locations, nil
}

// locationName strips the "<things> in" prefix index pages put on city links.
func locationName(text string) string {
	if _, after, found := strings.Cut(text, " in "); found {
		text = after
	}
	return cleanText(text)
}
