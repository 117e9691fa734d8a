// Package queue implements the shared crash-tolerant work queue. In
// distributed mode the queue is a document collection: enqueue is a
// set-on-insert upsert keyed by URL, and claiming is an atomic
// find-one-and-update that stamps the owner in the same operation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

// Clock supplies the current time for claim stamps.
type Clock interface {
	Now() time.Time
}

// Config controls distributed queue behavior.
type Config struct {
	// ClaimTTL bounds how long a claim may go unfinished before another
	// worker may treat the item as abandoned.
	ClaimTTL time.Duration
	// MaxRedeliveries bounds requeues of a contended item so a permanently
	// locked key cannot cycle forever.
	MaxRedeliveries int
}

// Distributed is the store-backed work queue shared by all workers.
type Distributed struct {
	coll   store.Collection
	owner  string
	cfg    Config
	clock  Clock
	logger *zap.Logger
}

// NewDistributed builds a queue over the work_queue collection.
func NewDistributed(st store.Store, owner string, cfg Config, clock Clock, logger *zap.Logger) *Distributed {
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.MaxRedeliveries <= 0 {
		cfg.MaxRedeliveries = 5
	}
	return &Distributed{
		coll:   st.Collection(store.CollWorkQueue),
		owner:  owner,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Enqueue inserts a work item if its URL is not already queued. Every field
// rides $setOnInsert so an item that is already claimed, done, or failed is
// never regressed to pending by a late duplicate discovery.
func (q *Distributed) Enqueue(ctx context.Context, item model.WorkItem) error {
	err := q.coll.UpsertOne(ctx,
		store.M{"url": item.URL},
		store.M{"$setOnInsert": store.M{
			"url":        item.URL,
			"domain":     item.Domain,
			"depth":      item.Depth,
			"parent_url": item.ParentURL,
			"priority":   item.Priority,
			"status":     model.WorkPending,
			"attempts":   0,
			"created_at": q.clock.Now(),
		}},
	)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("enqueue %s: %w", item.URL, err)
	}
	return nil
}

// Next atomically claims the highest-priority, oldest pending item for one of
// the given domains. The claim and the owner stamp happen in a single
// find-one-and-update so two workers can never pop the same item.
func (q *Distributed) Next(ctx context.Context, domains []string) (model.WorkItem, bool, error) {
	now := q.clock.Now()
	expires := now.Add(q.cfg.ClaimTTL)
	filter := store.M{"status": model.WorkPending}
	if len(domains) > 0 {
		filter["domain"] = store.M{"$in": domains}
	}

	var item model.WorkItem
	err := q.coll.FindOneAndUpdate(ctx,
		filter,
		store.M{"$set": store.M{
			"status":     model.WorkClaimed,
			"owner":      q.owner,
			"claimed_at": now,
			"expires_at": expires,
		}},
		[]store.SortField{
			{Field: "priority", Desc: true},
			{Field: "created_at"},
		},
		&item,
	)
	if errors.Is(err, store.ErrNotFound) {
		return model.WorkItem{}, false, nil
	}
	if err != nil {
		return model.WorkItem{}, false, fmt.Errorf("claim next item: %w", err)
	}
	return item, true, nil
}

// MarkDone finishes the caller's claim on url.
func (q *Distributed) MarkDone(ctx context.Context, url string) {
	q.setStatus(ctx, url, model.WorkDone)
}

// MarkFailed records a permanent failure for url.
func (q *Distributed) MarkFailed(ctx context.Context, url string) {
	q.setStatus(ctx, url, model.WorkFailed)
}

func (q *Distributed) setStatus(ctx context.Context, url string, status model.WorkStatus) {
	_, err := q.coll.UpdateOne(ctx,
		store.M{"url": url},
		store.M{"$set": store.M{
			"status":      status,
			"owner":       q.owner,
			"finished_at": q.clock.Now(),
		}},
	)
	if err != nil {
		q.logger.Warn("work item status update failed",
			zap.String("url", url),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// Requeue returns a claimed-but-unprocessed item to pending, typically after
// a lost lease race. Redelivery is bounded; an item requeued too many times
// is marked failed instead, and Requeue reports whether the item went back.
func (q *Distributed) Requeue(ctx context.Context, item model.WorkItem) bool {
	if item.Attempts+1 >= q.cfg.MaxRedeliveries {
		q.logger.Warn("work item exceeded redelivery budget",
			zap.String("url", item.URL),
			zap.Int("attempts", item.Attempts+1),
		)
		q.MarkFailed(ctx, item.URL)
		return false
	}
	_, err := q.coll.UpdateOne(ctx,
		store.M{"url": item.URL, "status": model.WorkClaimed},
		store.M{
			"$set": store.M{"status": model.WorkPending, "owner": ""},
			"$inc": store.M{"attempts": 1},
		},
	)
	if err != nil {
		q.logger.Warn("work item requeue failed", zap.String("url", item.URL), zap.Error(err))
		return false
	}
	return true
}

// ReclaimExpired returns every claimed item whose claim expired back to
// pending, so work owned by a crashed worker is not stranded. Idempotent.
func (q *Distributed) ReclaimExpired(ctx context.Context) int {
	var stale []model.WorkItem
	err := q.coll.Find(ctx,
		store.M{
			"status":     model.WorkClaimed,
			"expires_at": store.M{"$lt": q.clock.Now()},
		},
		nil, 0, &stale,
	)
	if err != nil {
		q.logger.Warn("expired claim scan failed", zap.Error(err))
		return 0
	}
	reclaimed := 0
	for _, item := range stale {
		if q.Requeue(ctx, item) {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		q.logger.Info("reclaimed expired work claims", zap.Int("count", reclaimed))
	}
	return reclaimed
}

// PendingCount reports how many items are waiting.
func (q *Distributed) PendingCount(ctx context.Context) (int64, error) {
	n, err := q.coll.Count(ctx, store.M{"status": model.WorkPending})
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Truncate drops every queue document. The queue is ephemeral bookkeeping;
// clearing it between runs loses no entity data.
func (q *Distributed) Truncate(ctx context.Context) error {
	if _, err := q.coll.DeleteMany(ctx, store.M{}); err != nil {
		return fmt.Errorf("truncate queue: %w", err)
	}
	return nil
}
