package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newQueue(st store.Store, owner string, clock Clock) *Distributed {
	return NewDistributed(st, owner, Config{ClaimTTL: 5 * time.Minute, MaxRedeliveries: 3}, clock, zap.NewNop())
}

func TestEnqueue_DeduplicatesByURL(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	q := newQueue(st, "w1", clock)

	item := model.WorkItem{URL: "https://example.com/a", Domain: "example.com", Depth: 1}
	require.NoError(t, q.Enqueue(context.Background(), item))
	require.NoError(t, q.Enqueue(context.Background(), item))

	n, err := st.Collection(store.CollWorkQueue).Count(context.Background(), store.M{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "same URL enqueued twice must yield one item")
}

func TestEnqueue_NeverRegressesFinishedItem(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	q := newQueue(st, "w1", clock)

	item := model.WorkItem{URL: "https://example.com/a", Domain: "example.com"}
	require.NoError(t, q.Enqueue(context.Background(), item))

	claimed, ok, err := q.Next(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	q.MarkDone(context.Background(), claimed.URL)

	// A late re-discovery of the same URL must not reopen the item.
	require.NoError(t, q.Enqueue(context.Background(), item))
	_, ok, err = q.Next(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNext_ClaimsByPriorityThenInsertionOrder(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	q := newQueue(st, "w1", clock)

	require.NoError(t, q.Enqueue(context.Background(), model.WorkItem{URL: "https://example.com/low1", Domain: "example.com", Priority: 0}))
	require.NoError(t, q.Enqueue(context.Background(), model.WorkItem{URL: "https://example.com/seed", Domain: "example.com", Priority: 10}))
	require.NoError(t, q.Enqueue(context.Background(), model.WorkItem{URL: "https://example.com/low2", Domain: "example.com", Priority: 0}))

	got := []string{}
	for {
		item, ok, err := q.Next(context.Background(), []string{"example.com"})
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, item.URL)
		require.Equal(t, model.WorkClaimed, item.Status)
		require.Equal(t, "w1", item.Owner)
		require.NotNil(t, item.ExpiresAt)
	}
	require.Equal(t, []string{
		"https://example.com/seed",
		"https://example.com/low1",
		"https://example.com/low2",
	}, got)
}

func TestNext_FiltersByDomain(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	q := newQueue(st, "w1", clock)

	require.NoError(t, q.Enqueue(context.Background(), model.WorkItem{URL: "https://other.com/x", Domain: "other.com"}))

	_, ok, err := q.Next(context.Background(), []string{"example.com"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNext_ConcurrentClaimsNeverShareAnItem(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	producer := newQueue(st, "seed", clock)
	const items = 20
	for i := 0; i < items; i++ {
		require.NoError(t, producer.Enqueue(context.Background(), model.WorkItem{
			URL:    "https://example.com/p/" + string(rune('a'+i)),
			Domain: "example.com",
		}))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			q := newQueue(st, string(rune('A'+w)), clock)
			for {
				item, ok, err := q.Next(context.Background(), nil)
				require.NoError(t, err)
				if !ok {
					return
				}
				mu.Lock()
				seen[item.URL]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Len(t, seen, items)
	for url, count := range seen {
		require.Equal(t, 1, count, "item %s claimed more than once", url)
	}
}

func TestRequeue_BoundedRedelivery(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	q := newQueue(st, "w1", clock)

	require.NoError(t, q.Enqueue(context.Background(), model.WorkItem{URL: "https://example.com/a", Domain: "example.com"}))

	for i := 0; i < 2; i++ {
		item, ok, err := q.Next(context.Background(), nil)
		require.NoError(t, err)
		require.True(t, ok, "requeued item must be claimable again (round %d)", i)
		require.True(t, q.Requeue(context.Background(), item))
	}

	item, ok, err := q.Next(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, q.Requeue(context.Background(), item),
		"third redelivery must exhaust the budget")

	var failed model.WorkItem
	require.NoError(t, st.Collection(store.CollWorkQueue).FindOne(
		context.Background(), store.M{"url": "https://example.com/a"}, &failed))
	require.Equal(t, model.WorkFailed, failed.Status)
}

func TestReclaimExpired_ReturnsAbandonedClaims(t *testing.T) {
	t.Parallel()

	st := store.NewMemory()
	clock := &fakeClock{now: time.Unix(1000, 0).UTC()}
	q := newQueue(st, "w1", clock)

	require.NoError(t, q.Enqueue(context.Background(), model.WorkItem{URL: "https://example.com/a", Domain: "example.com"}))
	_, ok, err := q.Next(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 0, q.ReclaimExpired(context.Background()), "live claim must not be reclaimed")

	clock.Advance(6 * time.Minute)
	require.Equal(t, 1, q.ReclaimExpired(context.Background()))

	item, ok, err := q.Next(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, item.Attempts)
}
