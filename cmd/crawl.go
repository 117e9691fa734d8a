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

	"github.com/medregistry/harvester/internal/frontier"
	"github.com/medregistry/harvester/internal/harvest"
	"github.com/medregistry/harvester/internal/queue"
	"github.com/medregistry/harvester/internal/sitegraph"
	"github.com/medregistry/harvester/internal/store"
)

// frontierCapacity bounds the local in-memory queue; the distributed queue
// is bounded by the store instead.
const frontierCapacity = 4096

// newCrawlCmd creates the 'crawl' subcommand: walk the configured sites,
// record every visited page, and rebuild the per-domain site maps.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls the configured sites and records visited pages",
		Long: `Seeds the frontier from the configured target URLs and sitemaps, then
drives a bounded worker pool over it. In local mode the frontier is an
in-memory queue; in distributed mode workers on any number of machines share
the work queue in the document store, claiming items under leases so a
crashed worker's pages are reclaimed and retried.`,
		RunE: runCrawlCommand,
	}

	cmd.Flags().String("mode", "local", "frontier mode: local or distributed")
	cmd.Flags().Int("workers", 0, "number of crawl workers (overrides config)")
	cmd.Flags().Int("max-pages", -1, "page budget for this run, 0 for unlimited (overrides config)")

	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	applyFlagOverride(cmd, "workers", "crawler.workers")
	applyFlagOverride(cmd, "max-pages", "crawler.max_pages")

	cfg, err := harvest.LoadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load crawl config: %w", err)
	}

	mode, _ := cmd.Flags().GetString("mode")
	front, closeFrontier, err := buildFrontier(mode, cfg, appInstance)
	if err != nil {
		return err
	}
	defer closeFrontier()

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

	engine := harvest.NewEngine(cfg, harvest.Deps{
		Frontier: front,
		Fetcher:  fetcher,
		Detector: harvest.NewHeuristicDetector(cfg.DetectorMinHTMLBytes, cfg.DetectorSelectorMust, cfg.DetectorKeywords),
		Renderer: renderer,
		Robots:   harvest.NewRobotsPolicy(cfg.RespectRobots, cfg.UserAgent, logger),
		Leases:   appInstance.Locker(),
		Pages:    appInstance.Store().Collection(store.CollPages),
		Clock:    appInstance.Clock(),
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	counters, err := engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}

	builder := sitegraph.NewBuilder(appInstance.Store(), appInstance.Clock(), logger)
	maps, err := builder.BuildAll(context.Background())
	if err != nil {
		return fmt.Errorf("build site maps: %w", err)
	}

	logger.Info("crawl finished",
		zap.Int("crawled", counters.Crawled),
		zap.Int("failed", counters.Failed),
		zap.Int("skipped", counters.Skipped),
		zap.Int("rendered", counters.Rendered),
		zap.Int("site_maps", len(maps)),
	)
	return nil
}

func buildFrontier(mode string, cfg harvest.Config, appInstance App) (frontier.Frontier, func(), error) {
	policy := frontier.Policy{
		AllowedDomains: cfg.AllowedDomains,
		MaxDepth:       cfg.MaxDepth,
	}
	switch mode {
	case "local":
		local := frontier.NewLocal(policy, frontierCapacity, viper.GetInt("queue.max_redeliveries"), appInstance.Logger())
		return local, local.Close, nil
	case "distributed":
		q := queue.NewDistributed(
			appInstance.Store(),
			appInstance.InstanceID(),
			queue.Config{
				ClaimTTL:        viper.GetDuration("lease.ttl"),
				MaxRedeliveries: viper.GetInt("queue.max_redeliveries"),
			},
			appInstance.Clock(),
			appInstance.Logger(),
		)
		dist := frontier.NewDistributed(policy, q, frontier.DistributedConfig{
			EmptyPollLimit: cfg.EmptyPollLimit,
			PollInterval:   cfg.PollInterval,
		}, appInstance.Logger())
		return dist, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown crawl mode %q (want local or distributed)", mode)
	}
}

func buildRenderer(cfg harvest.Config, logger *zap.Logger) (harvest.Renderer, error) {
	if !cfg.RenderEnabled {
		return nil, nil
	}
	renderer, err := harvest.NewChromedpRenderer(cfg, logger)
	switch {
	case err == nil:
		return renderer, nil
	case errors.Is(err, harvest.ErrRendererDisabled):
		logger.Warn("renderer unavailable; continuing without JS rendering")
		return nil, nil
	default:
		return nil, fmt.Errorf("init renderer: %w", err)
	}
}

// applyFlagOverride pushes an explicitly set command flag into Viper so the
// config loaders observe it.
func applyFlagOverride(cmd *cobra.Command, flag, key string) {
	if !cmd.Flags().Changed(flag) {
		return
	}
	value, err := cmd.Flags().GetInt(flag)
	if err != nil {
		return
	}
	viper.Set(key, value)
}
