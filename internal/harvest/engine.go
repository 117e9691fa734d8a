package harvest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/extract"
	"github.com/medregistry/harvester/internal/frontier"
	"github.com/medregistry/harvester/internal/hash/sha256"
	"github.com/medregistry/harvester/internal/lease"
	"github.com/medregistry/harvester/internal/metrics"
	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

// maintenanceInterval paces expired-claim reclaim and lease reaping in
// distributed mode.
const maintenanceInterval = time.Minute

// reclaimer is satisfied by the distributed frontier; the local one has no
// claims to reclaim.
type reclaimer interface {
	Reclaim(ctx context.Context) int
}

// Deps are the engine's collaborators. Renderer and Leases are optional:
// without a renderer every page uses the probe path, without leases the run
// relies on frontier claims alone (single-machine modes).
type Deps struct {
	Frontier frontier.Frontier
	Fetcher  Fetcher
	Detector Detector
	Renderer Renderer
	Robots   RobotsPolicy
	Leases   *lease.Locker
	Pages    store.Collection
	Retry    RetryPolicy
	Clock    Clock
	Logger   *zap.Logger
}

// Engine runs the crawl: a bounded pool of workers, each owning one renderer
// session, pulling from the frontier until it is exhausted or the page
// budget runs out.
type Engine struct {
	cfg     Config
	deps    Deps
	limiter *domainLimiter
	blocker *forbiddenBlocker
	crawled atomic.Int64
}

// NewEngine wires an engine from config and collaborators.
func NewEngine(cfg Config, deps Deps) *Engine {
	if deps.Retry == nil {
		deps.Retry = NewBackoffRetryPolicy(cfg.FetchRetries)
	}
	return &Engine{
		cfg:     cfg,
		deps:    deps,
		limiter: newDomainLimiter(cfg.DomainQPS),
		blocker: newForbiddenBlocker(cfg.ForbiddenThreshold),
	}
}

// Run seeds the frontier and drives the worker pool to completion. The
// returned counters are the summed per-worker totals.
func (e *Engine) Run(ctx context.Context) (Counters, error) {
	if err := e.deps.Frontier.Seed(ctx, e.cfg.Seeds); err != nil {
		return Counters{}, fmt.Errorf("seed frontier: %w", err)
	}
	e.seedSitemaps(ctx)

	maintenanceDone := e.startMaintenance(ctx)
	defer maintenanceDone()

	results := make([]Counters, e.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = e.workerLoop(ctx, slot)
		}(i)
	}
	wg.Wait()

	var total Counters
	for _, c := range results {
		total.Merge(c)
	}
	e.deps.Logger.Info("crawl finished",
		zap.Int("crawled", total.Crawled),
		zap.Int("failed", total.Failed),
		zap.Int("skipped", total.Skipped),
		zap.Int("links_found", total.LinksFound),
		zap.Int("rendered", total.Rendered),
	)
	return total, nil
}

// seedSitemaps fetches the configured sitemaps and enqueues their URLs at
// sitemap priority. Failures are logged and skipped; sitemaps are an
// optimization, not a requirement.
func (e *Engine) seedSitemaps(ctx context.Context) {
	pending := append([]string(nil), e.cfg.SitemapURLs...)
	seen := map[string]struct{}{}
	var urls []string
	for len(pending) > 0 {
		sitemapURL := pending[0]
		pending = pending[1:]
		if _, dup := seen[sitemapURL]; dup {
			continue
		}
		seen[sitemapURL] = struct{}{}

		page, err := e.deps.Fetcher.Fetch(ctx, sitemapURL)
		if err != nil {
			e.deps.Logger.Warn("sitemap fetch failed", zap.String("url", sitemapURL), zap.Error(err))
			continue
		}
		sm, err := extract.ParseSitemap(page.Body)
		if err != nil {
			e.deps.Logger.Warn("sitemap parse failed", zap.String("url", sitemapURL), zap.Error(err))
			continue
		}
		urls = append(urls, sm.URLs...)
		pending = append(pending, sm.Children...)
	}
	if len(urls) == 0 {
		return
	}
	if err := e.deps.Frontier.SeedSitemap(ctx, urls); err != nil {
		e.deps.Logger.Warn("sitemap seeding failed", zap.Error(err))
	}
}

// startMaintenance periodically reclaims expired queue claims and reaps
// expired leases. Safe to run on every worker process; both sweeps are
// idempotent.
func (e *Engine) startMaintenance(ctx context.Context) func() {
	rec, canReclaim := e.deps.Frontier.(reclaimer)
	if !canReclaim && e.deps.Leases == nil {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if canReclaim {
					rec.Reclaim(ctx)
				}
				if e.deps.Leases != nil {
					e.deps.Leases.ReapExpired(ctx)
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// workerLoop is one worker: open a renderer session, pop until the frontier
// stays empty through the grace window, process each item, and return local
// counters for the pool to sum.
func (e *Engine) workerLoop(ctx context.Context, slot int) Counters {
	var counters Counters
	logger := e.deps.Logger.With(zap.Int("worker", slot))

	var session Session
	if e.deps.Renderer != nil {
		var err error
		session, err = e.deps.Renderer.NewSession(ctx)
		if err != nil {
			logger.Warn("renderer session unavailable; probe-only worker", zap.Error(err))
		} else {
			defer func() {
				if cerr := session.Close(); cerr != nil {
					logger.Warn("session close failed", zap.Error(cerr))
				}
			}()
		}
	}

	for {
		if ctx.Err() != nil {
			return counters
		}
		if e.budgetExhausted() {
			return counters
		}

		item, ok, err := e.deps.Frontier.Next(ctx, e.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("frontier pop failed", zap.Error(err))
			}
			return counters
		}
		if !ok {
			if e.emptyAfterGrace(ctx) {
				return counters
			}
			continue
		}

		if e.budgetExhausted() {
			e.deps.Frontier.Requeue(ctx, item)
			return counters
		}

		e.processItem(ctx, item, session, &counters, logger)
	}
}

// emptyAfterGrace re-checks the frontier after the grace window so a worker
// does not exit while a sibling is mid-insert of freshly discovered links.
func (e *Engine) emptyAfterGrace(ctx context.Context) bool {
	if e.cfg.GraceWindow > 0 {
		timer := time.NewTimer(e.cfg.GraceWindow)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return true
		case <-timer.C:
		}
	}
	return e.deps.Frontier.Exhausted(ctx)
}

func (e *Engine) budgetExhausted() bool {
	return e.cfg.MaxPages > 0 && e.crawled.Load() >= int64(e.cfg.MaxPages)
}

// processItem handles one work item end to end. Nothing here may take down
// the worker: panics and errors become failure statistics and the loop moves
// on.
func (e *Engine) processItem(ctx context.Context, item model.WorkItem, session Session, counters *Counters, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			counters.Failed++
			metrics.PagesFailed.Inc()
			logger.Error("panic processing item",
				zap.String("url", item.URL),
				zap.Any("panic", r),
			)
			e.deps.Frontier.Done(ctx, item, false)
		}
	}()

	if e.blocker.IsBlocked(item.Domain) {
		counters.Skipped++
		metrics.PagesSkipped.Inc()
		e.deps.Frontier.Done(ctx, item, true)
		return
	}
	if e.deps.Robots != nil && !e.deps.Robots.Allowed(ctx, item.URL) {
		counters.Skipped++
		metrics.PagesSkipped.Inc()
		logger.Debug("robots disallowed", zap.String("url", item.URL))
		e.deps.Frontier.Done(ctx, item, true)
		return
	}

	if e.deps.Leases != nil {
		if !e.deps.Leases.Claim(ctx, item.URL) {
			// Another worker holds this URL. Routine, requeue and move on.
			e.deps.Frontier.Requeue(ctx, item)
			return
		}
		defer e.deps.Leases.Release(ctx, item.URL)
		stopHeartbeat := e.startHeartbeat(ctx, item.URL)
		defer stopHeartbeat()
	}

	if err := e.limiter.Wait(ctx, item.Domain); err != nil {
		e.deps.Frontier.Requeue(ctx, item)
		return
	}

	page, err := e.fetchPage(ctx, item, session, counters)
	if err != nil {
		counters.Failed++
		metrics.PagesFailed.Inc()
		logger.Warn("page failed",
			zap.String("url", item.URL),
			zap.Int("status", page.StatusCode),
			zap.Error(err),
		)
		e.recordPage(ctx, item, page, model.PageFailed)
		e.deps.Frontier.Done(ctx, item, false)
		return
	}

	e.recordPage(ctx, item, page, model.PageCrawled)
	counters.LinksFound += e.discoverLinks(ctx, item, page, logger)
	counters.Crawled++
	e.crawled.Add(1)
	metrics.PagesCrawled.Inc()
	e.deps.Frontier.Done(ctx, item, true)
}

// startHeartbeat renews the lease on key at a third of its TTL so a healthy
// worker is never reclaimed mid-item.
func (e *Engine) startHeartbeat(ctx context.Context, key string) func() {
	interval := e.deps.Leases.TTL() / 3
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				e.deps.Leases.Renew(ctx, key)
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

// fetchPage probes the URL, retrying transient failures, and promotes to the
// renderer when the detector flags the probe result.
func (e *Engine) fetchPage(ctx context.Context, item model.WorkItem, session Session, counters *Counters) (Page, error) {
	var page Page
	var err error
	for attempt := 0; ; attempt++ {
		page, err = e.deps.Fetcher.Fetch(ctx, item.URL)
		if err == nil && page.StatusCode >= 400 {
			if page.StatusCode == 403 && e.blocker.MarkForbidden(item.Domain) {
				e.deps.Logger.Warn("domain blocked after repeated 403s", zap.String("domain", item.Domain))
			}
			err = fmt.Errorf("http status %d", page.StatusCode)
		}
		if err == nil {
			break
		}
		if !e.deps.Retry.ShouldRetry(err, attempt) {
			return page, err
		}
		select {
		case <-ctx.Done():
			return page, ctx.Err()
		case <-time.After(e.deps.Retry.Backoff(attempt)):
		}
	}

	if session != nil && e.deps.Detector != nil && e.deps.Detector.NeedsJS(ctx, page) {
		metrics.RenderPromotions.Inc()
		html, renderErr := session.Open(ctx, item.URL)
		if renderErr != nil {
			// Keep the probe body; a failed render is not a failed page.
			e.deps.Logger.Warn("render promotion failed",
				zap.String("url", item.URL),
				zap.Error(renderErr),
			)
			return page, nil
		}
		page.Body = []byte(html)
		page.UsedJS = true
		counters.Rendered++
	}
	return page, nil
}

// recordPage upserts the page record feeding the site graph.
func (e *Engine) recordPage(ctx context.Context, item model.WorkItem, page Page, status model.CrawlStatus) {
	if e.deps.Pages == nil {
		return
	}
	fields := store.M{
		"domain":     item.Domain,
		"depth":      item.Depth,
		"parent_url": item.ParentURL,
		"status":     status,
		"used_js":    page.UsedJS,
		"fetched_at": e.deps.Clock.Now(),
	}
	if status == model.PageCrawled {
		fields["title"] = extract.Title(string(page.Body))
		fields["content_type"] = page.ContentType()
		if digest, err := sha256.New().Hash(page.Body); err == nil {
			fields["content_hash"] = digest
		}
		if assets, err := extract.AssetLinks(string(page.Body), item.URL); err == nil && len(assets) > 0 {
			fields["assets"] = assets
		}
	}
	err := e.deps.Pages.UpsertOne(ctx,
		store.M{"url": item.URL},
		store.M{"$set": fields},
	)
	if err != nil {
		e.deps.Logger.Warn("page record write failed", zap.String("url", item.URL), zap.Error(err))
	}
}

// discoverLinks extracts anchors from a crawled page and offers them to the
// frontier. Returns how many candidates the page produced.
func (e *Engine) discoverLinks(ctx context.Context, item model.WorkItem, page Page, logger *zap.Logger) int {
	links, err := extract.Links(string(page.Body), item.URL)
	if err != nil {
		logger.Warn("link extraction failed", zap.String("url", item.URL), zap.Error(err))
		return 0
	}
	for _, link := range links {
		if err := e.deps.Frontier.Discovered(ctx, link, item.URL, item.Depth); err != nil {
			logger.Warn("link enqueue failed", zap.String("url", link), zap.Error(err))
		}
	}
	return len(links)
}
