package frontier

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/queue"
)

// DistributedConfig tunes the shared-queue frontier.
type DistributedConfig struct {
	// EmptyPollLimit is how many consecutive empty polls a worker tolerates
	// before reporting the frontier exhausted. Another worker may still be
	// producing links, so one empty poll means nothing by itself.
	EmptyPollLimit int
	// PollInterval is how long to sleep between polls when the queue is empty.
	PollInterval time.Duration
}

// Distributed serves work from the shared crash-tolerant queue so any number
// of processes can drain one run. Deduplication lives in the queue's upsert
// keyed by URL; this layer adds admission policy and exhaustion detection.
type Distributed struct {
	policy     Policy
	queue      *queue.Distributed
	cfg        DistributedConfig
	logger     *zap.Logger
	emptyPolls atomic.Int64
}

// NewDistributed wraps the shared queue with admission policy.
func NewDistributed(policy Policy, q *queue.Distributed, cfg DistributedConfig, logger *zap.Logger) *Distributed {
	if cfg.EmptyPollLimit <= 0 {
		cfg.EmptyPollLimit = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Distributed{
		policy: policy,
		queue:  q,
		cfg:    cfg,
		logger: logger,
	}
}

// Seed loads entry points into the shared queue. The queue's set-on-insert
// upsert makes this safe to call from every participating process.
func (f *Distributed) Seed(ctx context.Context, urls []string) error {
	return f.seedAt(ctx, urls, 0, PrioritySeed)
}

// SeedSitemap enqueues sitemap URLs below seeds but above crawled links.
func (f *Distributed) SeedSitemap(ctx context.Context, urls []string) error {
	return f.seedAt(ctx, urls, 1, PrioritySitemap)
}

func (f *Distributed) seedAt(ctx context.Context, urls []string, depth, priority int) error {
	for _, raw := range urls {
		normalized, err := NormalizeURL(raw, "")
		if err != nil || normalized == "" || !f.policy.Admit(normalized) {
			continue
		}
		item := model.WorkItem{
			URL:      normalized,
			Domain:   ExtractDomain(normalized),
			Depth:    depth,
			Priority: priority,
		}
		if err := f.queue.Enqueue(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// Next claims the next pending item for this run's domains. An empty queue is
// polled until timeout elapses; consecutive failures across calls feed the
// exhaustion heuristic, and any success resets it.
func (f *Distributed) Next(ctx context.Context, timeout time.Duration) (model.WorkItem, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		item, ok, err := f.queue.Next(ctx, f.policy.Domains())
		if err != nil {
			return model.WorkItem{}, false, err
		}
		if ok {
			f.emptyPolls.Store(0)
			return item, true, nil
		}
		if time.Now().After(deadline) {
			f.emptyPolls.Add(1)
			return model.WorkItem{}, false, nil
		}
		select {
		case <-ctx.Done():
			return model.WorkItem{}, false, ctx.Err()
		case <-time.After(f.cfg.PollInterval):
		}
	}
}

// Discovered offers a link found at depth on parentURL to the shared queue.
func (f *Distributed) Discovered(ctx context.Context, rawURL, parentURL string, depth int) error {
	if !f.policy.FollowLinks(depth) {
		return nil
	}
	normalized, err := NormalizeURL(rawURL, parentURL)
	if err != nil || normalized == "" {
		return nil
	}
	if !f.policy.Admit(normalized) || !f.policy.WithinDepth(depth+1) {
		return nil
	}
	return f.queue.Enqueue(ctx, model.WorkItem{
		URL:       normalized,
		Domain:    ExtractDomain(normalized),
		Depth:     depth + 1,
		ParentURL: parentURL,
		Priority:  PriorityDiscovered,
	})
}

// Done settles the claim on a popped item.
func (f *Distributed) Done(ctx context.Context, item model.WorkItem, succeeded bool) {
	if succeeded {
		f.queue.MarkDone(ctx, item.URL)
	} else {
		f.queue.MarkFailed(ctx, item.URL)
	}
}

// Requeue returns a claimed item to pending after a lost lease race. The
// shared queue bounds redeliveries; past the bound the item is marked failed
// and Requeue reports false.
func (f *Distributed) Requeue(ctx context.Context, item model.WorkItem) bool {
	return f.queue.Requeue(ctx, item)
}

// Exhausted applies the consecutive-empty-poll heuristic: only after
// EmptyPollLimit empty polls in a row, with the shared queue also reporting
// zero pending items, does this worker consider the run drained. A worker on
// another machine may repopulate the queue right after; callers that resume
// simply start a new claim loop.
func (f *Distributed) Exhausted(ctx context.Context) bool {
	if f.emptyPolls.Load() < int64(f.cfg.EmptyPollLimit) {
		return false
	}
	pending, err := f.queue.PendingCount(ctx)
	if err != nil {
		f.logger.Warn("pending count failed during exhaustion check", zap.Error(err))
		return false
	}
	return pending == 0
}

// Reclaim returns abandoned claims to pending. Safe to call periodically
// from any worker.
func (f *Distributed) Reclaim(ctx context.Context) int {
	return f.queue.ReclaimExpired(ctx)
}
