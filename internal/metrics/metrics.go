// Package metrics exposes Prometheus counters for the harvesting engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PagesCrawled counts pages fetched, parsed, and persisted.
	PagesCrawled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pages_crawled_total",
		Help: "The total number of pages successfully crawled.",
	})
	// PagesFailed counts pages whose fetch or extraction failed permanently.
	PagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pages_failed_total",
		Help: "The total number of pages that failed after retries.",
	})
	// PagesSkipped counts pages skipped because they were already crawled.
	PagesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_pages_skipped_total",
		Help: "The total number of pages skipped as already crawled.",
	})
	// RenderPromotions counts probe fetches promoted to the headless renderer.
	RenderPromotions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_render_promotions_total",
		Help: "The total number of fetches promoted to JS rendering.",
	})
	// LeasesClaimed counts successful lease acquisitions.
	LeasesClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_leases_claimed_total",
		Help: "The total number of work-item leases acquired.",
	})
	// LeaseConflicts counts routine claim conflicts (lease already held).
	LeaseConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_lease_conflicts_total",
		Help: "The total number of lease claims lost to another worker.",
	})
	// LeasesReaped counts expired leases swept from dead workers.
	LeasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_leases_reaped_total",
		Help: "The total number of expired leases reclaimed.",
	})
	// EntitiesUpdated counts entity documents changed by a stage driver.
	EntitiesUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_entities_updated_total",
		Help: "The total number of entity records updated by the pipeline.",
	})
	// EntitiesSkipped counts merge no-ops where the write was elided.
	EntitiesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_entities_skipped_total",
		Help: "The total number of entity writes skipped as unchanged.",
	})
	// EntityErrors counts per-entity driver failures recorded on the record.
	EntityErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_entity_errors_total",
		Help: "The total number of entity-level pipeline failures.",
	})
)
