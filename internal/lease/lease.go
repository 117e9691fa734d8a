// Package lease implements the distributed work-item lease. The document
// store's unique-key constraint is the mutual-exclusion primitive: a lease is
// held by whichever worker wins the insert race, and expiry is advisory,
// enforced by claimants checking expires_at rather than by the store.
package lease

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/metrics"
	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

// DefaultTTL must exceed the expected processing time of one work item with
// margin, or live workers get falsely reclaimed under normal latency.
const DefaultTTL = 5 * time.Minute

// Clock supplies the current time; injected so expiry is testable.
type Clock interface {
	Now() time.Time
}

// Locker claims and releases time-bounded exclusive leases on resource keys.
// All methods are safe to call from many workers at once; claim and release
// never return store errors to the caller, they conservatively report "not
// acquired" instead (downstream stages are idempotent, so a lost item is
// cheaper than a double-processed one).
type Locker struct {
	coll   store.Collection
	owner  string
	ttl    time.Duration
	clock  Clock
	logger *zap.Logger
}

// New constructs a Locker owned by the given worker instance ID.
func New(st store.Store, owner string, ttl time.Duration, clock Clock, logger *zap.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{
		coll:   st.Collection(store.CollLocks),
		owner:  owner,
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}
}

// Owner returns the instance ID this locker claims leases under.
func (l *Locker) Owner() string { return l.owner }

// TTL returns the lease duration; heartbeats should renew well inside it.
func (l *Locker) TTL() time.Duration { return l.ttl }

// Claim attempts to acquire the lease for key. Exactly one concurrent
// claimant succeeds while the lease is live; once expires_at passes without
// renewal, the next claimant deletes the stale lease and takes over.
func (l *Locker) Claim(ctx context.Context, key string) bool {
	now := l.clock.Now()
	doc := model.Lease{
		Key:        key,
		Owner:      l.owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}

	err := l.coll.InsertOne(ctx, doc)
	if err == nil {
		metrics.LeasesClaimed.Inc()
		return true
	}
	if !errors.Is(err, store.ErrDuplicate) {
		l.logger.Warn("lease insert failed", zap.String("key", key), zap.Error(err))
		return false
	}

	// Lease exists. Reclaim only if it is expired; the delete filter repeats
	// the expiry check so a freshly renewed lease cannot be swept by a racer.
	var existing model.Lease
	if err := l.coll.FindOne(ctx, store.M{"key": key}, &existing); err != nil {
		metrics.LeaseConflicts.Inc()
		return false
	}
	if !existing.ExpiresAt.Before(now) {
		metrics.LeaseConflicts.Inc()
		return false
	}
	if _, err := l.coll.DeleteOne(ctx, store.M{
		"key":        key,
		"expires_at": store.M{"$lt": now},
	}); err != nil {
		return false
	}
	if err := l.coll.InsertOne(ctx, doc); err != nil {
		// Another worker won the reclaim race.
		metrics.LeaseConflicts.Inc()
		return false
	}
	l.logger.Debug("reclaimed expired lease",
		zap.String("key", key),
		zap.String("previous_owner", existing.Owner),
	)
	metrics.LeasesClaimed.Inc()
	return true
}

// Release deletes the caller's own lease on key. Releasing a lease that has
// already expired and been reclaimed by another owner is a no-op.
func (l *Locker) Release(ctx context.Context, key string) {
	if _, err := l.coll.DeleteOne(ctx, store.M{"key": key, "owner": l.owner}); err != nil {
		l.logger.Warn("lease release failed", zap.String("key", key), zap.Error(err))
	}
}

// Renew extends the caller's own unexpired lease by the TTL. Returns false
// when the lease is gone or owned by someone else, which the worker treats as
// an instruction to abandon the item.
func (l *Locker) Renew(ctx context.Context, key string) bool {
	now := l.clock.Now()
	modified, err := l.coll.UpdateOne(ctx,
		store.M{"key": key, "owner": l.owner, "expires_at": store.M{"$gte": now}},
		store.M{"$set": store.M{"expires_at": now.Add(l.ttl)}},
	)
	if err != nil {
		l.logger.Warn("lease renew failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return modified
}

// ReapExpired sweeps every lease whose expiry has passed. Idempotent; safe to
// run concurrently from every worker.
func (l *Locker) ReapExpired(ctx context.Context) int64 {
	deleted, err := l.coll.DeleteMany(ctx, store.M{
		"expires_at": store.M{"$lt": l.clock.Now()},
	})
	if err != nil {
		l.logger.Warn("lease reap failed", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		metrics.LeasesReaped.Add(float64(deleted))
		l.logger.Debug("reaped expired leases", zap.Int64("count", deleted))
	}
	return deleted
}
