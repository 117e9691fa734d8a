package extract

import (
	"encoding/xml"
	"fmt"
)

// Sitemap holds the result of parsing one sitemap document. A sitemap index
// yields child sitemap URLs; a plain urlset yields page URLs. One document is
// never both.
type Sitemap struct {
	URLs     []string
	Children []string
}

type sitemapDoc struct {
	XMLName xml.Name     `xml:"urlset"`
	Entries []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc string `xml:"loc"`
}

type sitemapIndexDoc struct {
	XMLName xml.Name     `xml:"sitemapindex"`
	Entries []sitemapURL `xml:"sitemap"`
}

// ParseSitemap decodes a sitemap.xml or sitemap index document.
func ParseSitemap(data []byte) (Sitemap, error) {
	var set sitemapDoc
	if err := xml.Unmarshal(data, &set); err == nil && len(set.Entries) > 0 {
		return Sitemap{URLs: locValues(set.Entries)}, nil
	}

	var index sitemapIndexDoc
	if err := xml.Unmarshal(data, &index); err == nil && len(index.Entries) > 0 {
		return Sitemap{Children: locValues(index.Entries)}, nil
	}

	// Distinguish empty-but-valid from garbage.
	var probe struct{ XMLName xml.Name }
	if err := xml.Unmarshal(data, &probe); err != nil {
		return Sitemap{}, fmt.Errorf("parse sitemap: %w", err)
	}
	switch probe.XMLName.Local {
	case "urlset", "sitemapindex":
		return Sitemap{}, nil
	default:
		return Sitemap{}, fmt.Errorf("parse sitemap: unexpected root element %q", probe.XMLName.Local)
	}
}

func locValues(entries []sitemapURL) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if loc := cleanText(e.Loc); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}
