package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/medregistry/harvester/internal/model"
)

var documentExtensions = []string{".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx"}

// AssetLinks catalogs the non-page resources a page references: images,
// stylesheets, scripts, and linked documents. URLs resolve against pageURL
// and are deduplicated in document order.
func AssetLinks(html, pageURL string) ([]model.Asset, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	seen := map[string]struct{}{}
	var assets []model.Asset
	add := func(raw, assetType string) {
		resolved := absURL(raw, pageURL)
		if resolved == "" {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		assets = append(assets, model.Asset{URL: resolved, Type: assetType})
	}
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(src, model.AssetImage)
	})
	doc.Find(`link[rel="stylesheet"][href]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		add(href, model.AssetStylesheet)
	})
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		add(src, model.AssetScript)
	})
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if isDocumentLink(href) {
			add(href, model.AssetDocument)
		}
	})
	return assets, nil
}

func isDocumentLink(href string) bool {
	path := strings.ToLower(href)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	for _, ext := range documentExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
