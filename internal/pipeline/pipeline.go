// Package pipeline implements the resumable stage state machine. An entity's
// own stage field is its checkpoint: every run selects entities sitting at a
// stage's entry point, drives them, and advances the survivors, so re-running
// any stage after a crash simply picks up the unfinished items.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/lease"
	"github.com/medregistry/harvester/internal/merge"
	"github.com/medregistry/harvester/internal/metrics"
	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

// Clock supplies timestamps for scraped_at stamps.
type Clock interface {
	Now() time.Time
}

// Discovery is a cross-entity sighting: a detail page for one entity revealed
// another at an earlier stage. Inserted only if absent, so a richer existing
// record is never clobbered by a bare-name sighting.
type Discovery struct {
	Collection string
	KeyField   string
	Key        string
	Fields     store.M
}

// RelatedUpdate merges freshly observed fields into another entity, for
// relationships visible from both ends (an org's member list and a person's
// affiliation list). Applied through the merge engine so write order across
// workers never diverges.
type RelatedUpdate struct {
	Collection string
	KeyField   string
	Key        string
	Incoming   store.M
	Opts       merge.Options
}

// Result is what a driver produced for one entity.
type Result struct {
	// Incoming is the freshly scraped version of the entity, merged
	// non-regressively into the stored record.
	Incoming bson.M
	// Discoveries are earlier-stage entities revealed by this page.
	Discoveries []Discovery
	// Related are merge-updates to entities observed from this side of a
	// relationship.
	Related []RelatedUpdate
}

// DriverFunc fetches and parses external detail for one entity. Drivers must
// be idempotent: a crash mid-item leaves the stage untouched and the next run
// retries from the top.
type DriverFunc func(ctx context.Context, doc bson.M) (Result, error)

// StageSpec describes one stage of an entity pipeline.
type StageSpec struct {
	Name       string
	Collection string
	KeyField   string
	Entry      model.Stage
	Next       model.Stage
	MaxRetries int
	MergeOpts  merge.Options
	Driver     DriverFunc
}

// Stats aggregates one stage run.
type Stats struct {
	Total    int
	Inserted int
	Updated  int
	Skipped  int
	Errors   int
}

func (s *Stats) merge(other Stats) {
	s.Total += other.Total
	s.Inserted += other.Inserted
	s.Updated += other.Updated
	s.Skipped += other.Skipped
	s.Errors += other.Errors
}

// Runner drives stage specs over the document store. Workers above one are
// only safe when drivers tolerate concurrent runs on different entities,
// which the selection query guarantees; the optional locker adds per-entity
// exclusion for multi-machine runs.
type Runner struct {
	store   store.Store
	locker  *lease.Locker
	clock   Clock
	logger  *zap.Logger
	workers int
	limit   int
}

// NewRunner builds a stage runner. locker may be nil in single-machine modes.
func NewRunner(st store.Store, locker *lease.Locker, clock Clock, logger *zap.Logger, workers, limit int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{
		store:   st,
		locker:  locker,
		clock:   clock,
		logger:  logger,
		workers: workers,
		limit:   limit,
	}
}

// RunStage selects every entity at the spec's entry stage and drives it
// through the exit transition. Per-entity failures are recorded on the
// entity and never abort the run.
func (r *Runner) RunStage(ctx context.Context, spec StageSpec) (Stats, error) {
	coll := r.store.Collection(spec.Collection)

	var docs []bson.M
	err := coll.Find(ctx, store.M{"stage": spec.Entry}, nil, int64(r.limit), &docs)
	if err != nil {
		return Stats{}, fmt.Errorf("select stage %s: %w", spec.Name, err)
	}

	work := make(chan bson.M)
	results := make([]Stats, r.workers)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for doc := range work {
				r.processEntity(ctx, spec, coll, doc, &results[slot])
			}
		}(i)
	}
	for _, doc := range docs {
		select {
		case <-ctx.Done():
		case work <- doc:
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(work)
	wg.Wait()

	var stats Stats
	for _, s := range results {
		stats.merge(s)
	}
	r.logger.Info("stage run finished",
		zap.String("stage", spec.Name),
		zap.Int("total", stats.Total),
		zap.Int("inserted", stats.Inserted),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("errors", stats.Errors),
	)
	return stats, ctx.Err()
}

// RunAll drives a sequence of stage specs in order, one full selection pass
// each, accumulating stats.
func (r *Runner) RunAll(ctx context.Context, specs []StageSpec) (Stats, error) {
	var total Stats
	for _, spec := range specs {
		stats, err := r.RunStage(ctx, spec)
		total.merge(stats)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *Runner) processEntity(ctx context.Context, spec StageSpec, coll store.Collection, doc bson.M, stats *Stats) {
	defer func() {
		if rec := recover(); rec != nil {
			stats.Errors++
			metrics.EntityErrors.Inc()
			r.logger.Error("panic driving entity",
				zap.String("stage", spec.Name),
				zap.Any("panic", rec),
			)
		}
	}()

	key, _ := doc[spec.KeyField].(string)
	if key == "" {
		stats.Errors++
		metrics.EntityErrors.Inc()
		return
	}
	stats.Total++

	if retryCount, ok := numberField(doc, "retry_count"); ok && spec.MaxRetries > 0 && retryCount >= spec.MaxRetries {
		stats.Skipped++
		metrics.EntitiesSkipped.Inc()
		return
	}

	if r.locker != nil {
		if !r.locker.Claim(ctx, key) {
			stats.Skipped++
			metrics.EntitiesSkipped.Inc()
			return
		}
		defer r.locker.Release(ctx, key)
	}

	result, err := spec.Driver(ctx, doc)
	if err != nil {
		r.recordFailure(ctx, spec, coll, key, err)
		stats.Errors++
		metrics.EntityErrors.Inc()
		return
	}

	stats.Inserted += r.insertDiscoveries(ctx, spec, result.Discoveries)
	r.applyRelated(ctx, spec, result.Related)

	updated, err := r.advance(ctx, spec, coll, doc, key, result.Incoming)
	if err != nil {
		r.recordFailure(ctx, spec, coll, key, err)
		stats.Errors++
		metrics.EntityErrors.Inc()
		return
	}
	if updated {
		stats.Updated++
		metrics.EntitiesUpdated.Inc()
	} else {
		stats.Skipped++
		metrics.EntitiesSkipped.Inc()
	}
}

// advance applies the exit transition: merge the scraped fields and move the
// stage forward. The update filter pins the entry stage so a concurrent
// worker that already advanced the entity wins and this write is a no-op;
// the stage field never moves backward. Reports whether the merge changed
// any payload field.
func (r *Runner) advance(ctx context.Context, spec StageSpec, coll store.Collection, doc bson.M, key string, incoming bson.M) (bool, error) {
	updates, err := merge.Merge(doc, incoming, spec.MergeOpts)
	if err != nil {
		return false, fmt.Errorf("merge %s: %w", key, err)
	}

	fields := store.M{
		"stage":      spec.Next,
		"scraped_at": r.clock.Now(),
		"last_error": "",
	}
	changed := updates != nil
	for field, value := range updates {
		fields[field] = value
	}

	_, err = coll.UpdateOne(ctx,
		store.M{spec.KeyField: key, "stage": spec.Entry},
		store.M{"$set": fields},
	)
	if err != nil {
		return false, fmt.Errorf("advance %s: %w", key, err)
	}
	return changed, nil
}

// recordFailure stamps the error on the entity without touching its stage,
// so the next run retries it until the retry bound.
func (r *Runner) recordFailure(ctx context.Context, spec StageSpec, coll store.Collection, key string, cause error) {
	_, err := coll.UpdateOne(ctx,
		store.M{spec.KeyField: key},
		store.M{
			"$set": store.M{"last_error": cause.Error()},
			"$inc": store.M{"retry_count": 1},
		},
	)
	if err != nil {
		r.logger.Warn("failure record write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	r.logger.Warn("entity failed",
		zap.String("stage", spec.Name),
		zap.String("key", key),
		zap.Error(cause),
	)
}

// insertDiscoveries writes minimal records for newly sighted entities. Every
// field rides $setOnInsert so an existing richer record is untouched. Returns
// how many were actually new.
func (r *Runner) insertDiscoveries(ctx context.Context, spec StageSpec, discoveries []Discovery) int {
	inserted := 0
	for _, d := range discoveries {
		coll := r.store.Collection(d.Collection)
		err := coll.FindOne(ctx, store.M{d.KeyField: d.Key}, &bson.M{})
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("discovery lookup failed", zap.String("key", d.Key), zap.Error(err))
			continue
		}

		fields := store.M{d.KeyField: d.Key}
		for field, value := range d.Fields {
			fields[field] = value
		}
		if _, ok := fields["stage"]; !ok {
			fields["stage"] = model.StageDiscovered
		}
		if _, ok := fields["retry_count"]; !ok {
			fields["retry_count"] = 0
		}
		err = coll.UpsertOne(ctx,
			store.M{d.KeyField: d.Key},
			store.M{"$setOnInsert": fields},
		)
		if err != nil {
			r.logger.Warn("discovery insert failed", zap.String("key", d.Key), zap.Error(err))
			continue
		}
		inserted++
	}
	return inserted
}

// applyRelated merges observed fields into entities on the other end of a
// relationship. A missing record is created minimal-plus-observation; an
// existing one only gains what it lacked.
func (r *Runner) applyRelated(ctx context.Context, spec StageSpec, related []RelatedUpdate) {
	for _, rel := range related {
		coll := r.store.Collection(rel.Collection)

		var existing bson.M
		err := coll.FindOne(ctx, store.M{rel.KeyField: rel.Key}, &existing)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("related lookup failed", zap.String("key", rel.Key), zap.Error(err))
			continue
		}

		updates, err := merge.Merge(existing, bson.M(rel.Incoming), rel.Opts)
		if err != nil {
			r.logger.Warn("related merge failed", zap.String("key", rel.Key), zap.Error(err))
			continue
		}
		if updates == nil {
			continue
		}

		err = coll.UpsertOne(ctx,
			store.M{rel.KeyField: rel.Key},
			store.M{
				"$set": store.M(updates),
				"$setOnInsert": store.M{
					rel.KeyField:  rel.Key,
					"stage":       model.StageDiscovered,
					"retry_count": 0,
				},
			},
		)
		if err != nil {
			r.logger.Warn("related update failed", zap.String("key", rel.Key), zap.Error(err))
		}
	}
}

func numberField(doc bson.M, field string) (int, bool) {
	switch v := doc[field].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
