package sitegraph

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

// SiteMap is the persisted forest for one domain, keyed by domain in the
// site_maps collection.
type SiteMap struct {
	Domain    string    `bson:"domain" json:"domain"`
	BuiltAt   time.Time `bson:"built_at" json:"built_at"`
	PageCount int       `bson:"page_count" json:"page_count"`
	RootCount int       `bson:"root_count" json:"root_count"`
	MaxDepth  int       `bson:"max_depth" json:"max_depth"`
	Roots     []*Node   `bson:"roots,omitempty" json:"roots,omitempty"`
}

// Clock supplies the BuiltAt stamp.
type Clock interface {
	Now() time.Time
}

// Builder reads crawled page records and persists the per-domain forest.
type Builder struct {
	pages    store.Collection
	siteMaps store.Collection
	clock    Clock
	logger   *zap.Logger
}

// NewBuilder wires the builder to its collections.
func NewBuilder(st store.Store, clock Clock, logger *zap.Logger) *Builder {
	return &Builder{
		pages:    st.Collection(store.CollPages),
		siteMaps: st.Collection(store.CollSiteMaps),
		clock:    clock,
		logger:   logger,
	}
}

// BuildDomain assembles and stores the forest for one domain, replacing any
// previous snapshot. Ordering by depth then URL keeps the stored tree stable
// across rebuilds of the same crawl.
func (b *Builder) BuildDomain(ctx context.Context, domain string) (SiteMap, error) {
	var records []model.PageRecord
	err := b.pages.Find(ctx,
		store.M{"domain": domain},
		[]store.SortField{{Field: "depth"}, {Field: "url"}},
		0,
		&records,
	)
	if err != nil {
		return SiteMap{}, fmt.Errorf("load pages for %s: %w", domain, err)
	}

	forest := Build(records)
	sm := SiteMap{
		Domain:    domain,
		BuiltAt:   b.clock.Now(),
		PageCount: Count(forest),
		RootCount: len(forest),
		MaxDepth:  MaxDepth(forest),
		Roots:     forest,
	}

	err = b.siteMaps.UpsertOne(ctx,
		store.M{"domain": domain},
		store.M{"$set": store.M{
			"domain":     sm.Domain,
			"built_at":   sm.BuiltAt,
			"page_count": sm.PageCount,
			"root_count": sm.RootCount,
			"max_depth":  sm.MaxDepth,
			"roots":      sm.Roots,
		}},
	)
	if err != nil {
		return SiteMap{}, fmt.Errorf("store site map for %s: %w", domain, err)
	}

	b.logger.Info("site map built",
		zap.String("domain", domain),
		zap.Int("pages", sm.PageCount),
		zap.Int("roots", sm.RootCount),
		zap.Int("max_depth", sm.MaxDepth),
	)
	return sm, nil
}

// BuildAll rebuilds the forest for every domain present in the pages
// collection.
func (b *Builder) BuildAll(ctx context.Context) ([]SiteMap, error) {
	var records []model.PageRecord
	err := b.pages.Find(ctx, store.M{}, nil, 0, &records)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}

	seen := make(map[string]bool)
	var domains []string
	for _, rec := range records {
		if rec.Domain == "" || seen[rec.Domain] {
			continue
		}
		seen[rec.Domain] = true
		domains = append(domains, rec.Domain)
	}

	maps := make([]SiteMap, 0, len(domains))
	for _, domain := range domains {
		sm, err := b.BuildDomain(ctx, domain)
		if err != nil {
			return maps, err
		}
		maps = append(maps, sm)
	}
	return maps, nil
}
