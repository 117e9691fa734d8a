package frontier

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/queue/memory"
)

// Seed priorities. Seeds outrank sitemap URLs, which outrank links found
// while crawling, so the frontier drains breadth-first from the entry points.
const (
	PrioritySeed       = 10
	PrioritySitemap    = 5
	PriorityDiscovered = 0
)

// Frontier hands workers the next URL to visit and accepts newly discovered
// links. Implementations own deduplication; callers enqueue freely.
type Frontier interface {
	// Seed loads the run's entry points.
	Seed(ctx context.Context, urls []string) error
	// SeedSitemap loads sitemap-discovered URLs below seed priority.
	SeedSitemap(ctx context.Context, urls []string) error
	// Next pops the next admissible work item, waiting up to timeout.
	// ok is false when nothing arrived in time.
	Next(ctx context.Context, timeout time.Duration) (item model.WorkItem, ok bool, err error)
	// Discovered offers a link found on a fetched page.
	Discovered(ctx context.Context, rawURL, parentURL string, depth int) error
	// Done reports the item's terminal outcome back to the frontier.
	Done(ctx context.Context, item model.WorkItem, succeeded bool)
	// Requeue puts a popped but unprocessed item back, typically after a
	// lost claim race. Redelivery is bounded; it reports whether the item
	// went back.
	Requeue(ctx context.Context, item model.WorkItem) bool
	// Exhausted reports whether the frontier has nothing left to hand out.
	Exhausted(ctx context.Context) bool
}

// Local is the in-process frontier for single and threaded modes. A visited
// set deduplicates and an in-memory queue buffers; pending counts items
// offered but not yet retired, so Exhausted stays false while workers still
// hold pages whose links have not been reported.
type Local struct {
	policy          Policy
	queue           *memory.Queue
	maxRedeliveries int
	logger          *zap.Logger
	visited         sync.Map
	pending         atomic.Int64
}

// NewLocal builds an in-process frontier with the given queue capacity.
// maxRedeliveries bounds Requeue; zero or negative selects the default.
func NewLocal(policy Policy, capacity, maxRedeliveries int, logger *zap.Logger) *Local {
	if maxRedeliveries <= 0 {
		maxRedeliveries = 5
	}
	return &Local{
		policy:          policy,
		queue:           memory.NewQueue(capacity),
		maxRedeliveries: maxRedeliveries,
		logger:          logger,
	}
}

// Seed normalizes and enqueues the entry points at seed priority.
func (f *Local) Seed(ctx context.Context, urls []string) error {
	for _, raw := range urls {
		if err := f.offer(ctx, raw, "", 0, PrioritySeed); err != nil {
			return err
		}
	}
	return nil
}

// SeedSitemap enqueues sitemap URLs below seeds but above crawled links.
func (f *Local) SeedSitemap(ctx context.Context, urls []string) error {
	for _, raw := range urls {
		if err := f.offer(ctx, raw, "", 1, PrioritySitemap); err != nil {
			return err
		}
	}
	return nil
}

// Next pops the next item. The caller must eventually call Done with it.
func (f *Local) Next(ctx context.Context, timeout time.Duration) (model.WorkItem, bool, error) {
	item, ok, err := f.queue.Dequeue(ctx, timeout)
	if err != nil || !ok {
		return model.WorkItem{}, false, err
	}
	return item, true, nil
}

// Discovered offers a link found at depth on parentURL.
func (f *Local) Discovered(ctx context.Context, rawURL, parentURL string, depth int) error {
	if !f.policy.FollowLinks(depth) {
		return nil
	}
	return f.offer(ctx, rawURL, parentURL, depth+1, PriorityDiscovered)
}

// Done retires a popped item. The outcome does not matter locally; the page
// store records failures, and a visited URL is never re-offered in one run.
func (f *Local) Done(ctx context.Context, item model.WorkItem, succeeded bool) {
	f.pending.Add(-1)
}

// Requeue pushes a popped item back onto the local queue. A shared store can
// still lose lease races even in local mode, so redelivery is bounded the same
// way as the distributed variant; an item past the budget is dropped.
func (f *Local) Requeue(ctx context.Context, item model.WorkItem) bool {
	item.Attempts++
	if item.Attempts >= f.maxRedeliveries {
		f.logger.Warn("work item exceeded redelivery budget",
			zap.String("url", item.URL),
			zap.Int("attempts", item.Attempts),
		)
		f.pending.Add(-1)
		return false
	}
	if err := f.queue.Enqueue(ctx, item); err != nil {
		f.pending.Add(-1)
		return false
	}
	return true
}

// Exhausted reports whether the queue is empty and no popped item is still
// being processed. Only meaningful between Next calls.
func (f *Local) Exhausted(ctx context.Context) bool {
	return f.queue.Len() == 0 && f.pending.Load() == 0
}

// Close shuts the underlying queue down.
func (f *Local) Close() {
	f.queue.Close()
}

func (f *Local) offer(ctx context.Context, rawURL, parentURL string, depth int, priority int) error {
	normalized, err := NormalizeURL(rawURL, parentURL)
	if err != nil || normalized == "" {
		return nil
	}
	if !f.policy.Admit(normalized) || !f.policy.WithinDepth(depth) {
		return nil
	}
	if _, seen := f.visited.LoadOrStore(normalized, struct{}{}); seen {
		return nil
	}
	f.pending.Add(1)
	item := model.WorkItem{
		URL:       normalized,
		Domain:    ExtractDomain(normalized),
		Depth:     depth,
		ParentURL: parentURL,
		Priority:  priority,
	}
	if err := f.queue.Enqueue(ctx, item); err != nil {
		f.pending.Add(-1)
		return err
	}
	return nil
}
