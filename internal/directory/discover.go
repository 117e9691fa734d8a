package directory

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/extract"
	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

// DiscoverListings walks location index pages and returns the listing pages
// they link to, deduplicated, so operators can configure one index URL instead
// of enumerating every city. pathHint selects which anchors count as listing
// links. A page that fails to load or parse is logged and skipped.
func (h *Harvester) DiscoverListings(ctx context.Context, indexURLs []string, pathHint string) ([]string, error) {
	seen := map[string]struct{}{}
	var listings []string
	for _, indexURL := range indexURLs {
		if ctx.Err() != nil {
			return listings, ctx.Err()
		}
		html, err := h.loader.HTML(ctx, indexURL)
		if err != nil {
			h.logger.Warn("location index load failed",
				zap.String("url", indexURL),
				zap.Error(err),
			)
			continue
		}
		locations, err := extract.LocationLinks(html, indexURL, pathHint)
		if err != nil {
			h.logger.Warn("location index parse failed",
				zap.String("url", indexURL),
				zap.Error(err),
			)
			continue
		}
		for _, loc := range locations {
			if _, dup := seen[loc.URL]; dup {
				continue
			}
			seen[loc.URL] = struct{}{}
			listings = append(listings, loc.URL)
		}
		h.logger.Info("location index processed",
			zap.String("url", indexURL),
			zap.Int("locations", len(locations)),
		)
	}
	return listings, nil
}

// DiscoverOrganizations walks listing pages and inserts every organization
// card not yet known, at the start of the pipeline. Existing records are left
// untouched; a listing card is the least-informed sighting there is.
func (h *Harvester) DiscoverOrganizations(ctx context.Context, orgs store.Collection, listingURLs []string) (int, error) {
	inserted := 0
	for _, listingURL := range listingURLs {
		if ctx.Err() != nil {
			return inserted, ctx.Err()
		}
		html, err := h.loader.HTML(ctx, listingURL)
		if err != nil {
			h.logger.Warn("listing page load failed",
				zap.String("url", listingURL),
				zap.Error(err),
			)
			continue
		}
		cards, err := extract.OrganizationCards(html, listingURL)
		if err != nil {
			h.logger.Warn("listing page parse failed",
				zap.String("url", listingURL),
				zap.Error(err),
			)
			continue
		}
		for _, org := range cards {
			ok, err := h.insertOrganization(ctx, orgs, org)
			if err != nil {
				h.logger.Warn("organization insert failed",
					zap.String("url", org.URL),
					zap.Error(err),
				)
				continue
			}
			if ok {
				inserted++
			}
		}
		h.logger.Info("listing page processed",
			zap.String("url", listingURL),
			zap.Int("cards", len(cards)),
		)
	}
	return inserted, nil
}

func (h *Harvester) insertOrganization(ctx context.Context, orgs store.Collection, org model.Organization) (bool, error) {
	err := orgs.FindOne(ctx, store.M{"url": org.URL}, &bson.M{})
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	err = orgs.UpsertOne(ctx,
		store.M{"url": org.URL},
		store.M{"$setOnInsert": store.M{
			"url":         org.URL,
			"name":        org.Name,
			"city":        org.City,
			"area":        org.Area,
			"address":     org.Address,
			"platform":    h.platform,
			"stage":       model.StageDiscovered,
			"retry_count": 0,
		}},
	)
	if err != nil {
		return false, err
	}
	return true, nil
}
