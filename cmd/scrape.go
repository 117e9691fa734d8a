package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/directory"
	"github.com/medregistry/harvester/internal/harvest"
	"github.com/medregistry/harvester/internal/lease"
	"github.com/medregistry/harvester/internal/pipeline"
	"github.com/medregistry/harvester/internal/store"
)

// newScrapeCmd creates the 'scrape' subcommand: advance every entity sitting
// at a pipeline entry stage through its next transition.
func newScrapeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Runs the entity enrichment pipelines",
		Long: `Discovers organizations from the configured listing pages, then drives
the organization and person pipelines: each run selects entities at a stage's
entry point, scrapes their detail pages, and advances the survivors. The
stage field is the checkpoint, so an interrupted run resumes by simply
running scrape again. With --distributed, entities are processed under
per-entity leases so several machines can scrape the same backlog.`,
		RunE: runScrapeCommand,
	}

	cmd.Flags().String("pipeline", "all", "which pipeline to run: organizations, people, or all")
	cmd.Flags().Int("workers", 0, "number of scrape workers (overrides config)")
	cmd.Flags().Int("limit", 0, "max entities per stage this run, 0 for unlimited")
	cmd.Flags().Bool("distributed", false, "claim per-entity leases so multiple machines can share the backlog")
	cmd.Flags().Bool("skip-discovery", false, "skip the listing-page discovery pass")

	return cmd
}

func runScrapeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	cfg := scrapeFetchConfig()
	fetcher, err := harvest.NewCollyFetcher(cfg, logger)
	if err != nil {
		return fmt.Errorf("init fetcher: %w", err)
	}
	renderer, err := buildRenderer(cfg, logger)
	if err != nil {
		return err
	}
	if renderer != nil {
		defer func() {
			if cerr := renderer.Close(context.Background()); cerr != nil {
				logger.Warn("failed to close renderer", zap.Error(cerr))
			}
		}()
	}

	loader := directory.NewLoader(
		fetcher,
		harvest.NewHeuristicDetector(cfg.DetectorMinHTMLBytes, cfg.DetectorSelectorMust, cfg.DetectorKeywords),
		renderer,
		logger,
	)
	harvester := directory.NewHarvester(loader, viper.GetString("pipeline.platform"), logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	skipDiscovery, _ := cmd.Flags().GetBool("skip-discovery")
	if !skipDiscovery {
		listings := viper.GetStringSlice("pipeline.listing_urls")
		if indexes := viper.GetStringSlice("pipeline.location_index_urls"); len(indexes) > 0 {
			found, err := harvester.DiscoverListings(ctx, indexes, viper.GetString("pipeline.location_path"))
			if err != nil {
				return fmt.Errorf("discover listings: %w", err)
			}
			listings = mergeListings(listings, found)
		}
		if len(listings) > 0 {
			inserted, err := harvester.DiscoverOrganizations(ctx,
				appInstance.Store().Collection(store.CollOrganizations), listings)
			if err != nil {
				return fmt.Errorf("discover organizations: %w", err)
			}
			logger.Info("discovery finished", zap.Int("new_organizations", inserted))
		}
	}

	var locker *lease.Locker
	if distributed, _ := cmd.Flags().GetBool("distributed"); distributed {
		locker = appInstance.Locker()
	}
	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = viper.GetInt("pipeline.workers")
	}
	limit, _ := cmd.Flags().GetInt("limit")

	runner := pipeline.NewRunner(
		appInstance.Store(),
		locker,
		appInstance.Clock(),
		logger,
		workers,
		limit,
	)

	maxRetries := viper.GetInt("pipeline.max_retries")
	specs, err := selectSpecs(cmd, harvester, maxRetries)
	if err != nil {
		return err
	}

	stats, err := runner.RunAll(ctx, specs)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run pipelines: %w", err)
	}

	logger.Info("scrape finished",
		zap.Int("total", stats.Total),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
	)
	return nil
}

func selectSpecs(cmd *cobra.Command, h *directory.Harvester, maxRetries int) ([]pipeline.StageSpec, error) {
	which, _ := cmd.Flags().GetString("pipeline")
	switch which {
	case "organizations":
		return h.OrganizationSpecs(maxRetries), nil
	case "people":
		return h.PersonSpecs(maxRetries), nil
	case "all":
		// Organizations run first so the person pipeline sees the members
		// they discovered in the same invocation.
		return append(h.OrganizationSpecs(maxRetries), h.PersonSpecs(maxRetries)...), nil
	default:
		return nil, fmt.Errorf("unknown pipeline %q (want organizations, people, or all)", which)
	}
}

// mergeListings appends discovered listing URLs to the configured ones,
// dropping duplicates.
func mergeListings(configured, discovered []string) []string {
	seen := map[string]struct{}{}
	for _, u := range configured {
		seen[u] = struct{}{}
	}
	merged := configured
	for _, u := range discovered {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		merged = append(merged, u)
	}
	return merged
}

// scrapeFetchConfig assembles the fetch-related settings without the crawl
// validation; scrape runs do not need seeds or a frontier.
func scrapeFetchConfig() harvest.Config {
	return harvest.Config{
		UserAgent:            viper.GetString("crawler.user_agent"),
		RespectRobots:        viper.GetBool("crawler.respect_robots"),
		DomainQPS:            viper.GetFloat64("crawler.domain_qps"),
		RequestTimeout:       viper.GetDuration("crawler.request_timeout"),
		RenderEnabled:        viper.GetBool("renderer.enabled"),
		RenderTimeout:        viper.GetDuration("renderer.timeout"),
		RenderMaxConcurrency: viper.GetInt("renderer.max_concurrency"),
		DetectorMinHTMLBytes: viper.GetInt("detector.min_html_bytes"),
		DetectorKeywords:     viper.GetStringSlice("detector.keywords"),
		FetchRetries:         viper.GetInt("crawler.fetch_retries"),
	}
}
