package harvest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/frontier"
	"github.com/medregistry/harvester/internal/lease"
	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/queue"
	"github.com/medregistry/harvester/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// stubFetcher serves canned pages and records how often each URL was asked.
type stubFetcher struct {
	mu      sync.Mutex
	pages   map[string]Page
	errs    map[string]error
	panics  map[string]bool
	calls   map[string]int
	failTil map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		pages:   map[string]Page{},
		errs:    map[string]error{},
		panics:  map[string]bool{},
		calls:   map[string]int{},
		failTil: map[string]int{},
	}
}

func (f *stubFetcher) addPage(url, body string) {
	f.pages[url] = Page{URL: url, FinalURL: url, StatusCode: 200, Body: []byte(body)}
}

func (f *stubFetcher) Fetch(_ context.Context, rawURL string) (Page, error) {
	f.mu.Lock()
	f.calls[rawURL]++
	n := f.calls[rawURL]
	f.mu.Unlock()
	if f.panics[rawURL] {
		panic("fetcher exploded on " + rawURL)
	}
	if until, ok := f.failTil[rawURL]; ok && n <= until {
		return Page{}, errors.New("transient fetch failure")
	}
	if err, ok := f.errs[rawURL]; ok {
		return Page{}, err
	}
	page, ok := f.pages[rawURL]
	if !ok {
		return Page{URL: rawURL, StatusCode: 404}, nil
	}
	return page, nil
}

func (f *stubFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type stubDetector struct{ needsJS map[string]bool }

func (d *stubDetector) NeedsJS(_ context.Context, page Page) bool {
	return d.needsJS[page.URL]
}

type stubSession struct {
	html   string
	err    error
	opened []string
	mu     sync.Mutex
}

func (s *stubSession) Open(_ context.Context, rawURL string) (string, error) {
	s.mu.Lock()
	s.opened = append(s.opened, rawURL)
	s.mu.Unlock()
	return s.html, s.err
}

func (s *stubSession) WaitFor(context.Context, string) error       { return nil }
func (s *stubSession) Click(context.Context, string) error         { return nil }
func (s *stubSession) CurrentHTML(context.Context) (string, error) { return s.html, nil }
func (s *stubSession) Close() error                                { return nil }

type stubRenderer struct{ session *stubSession }

func (r *stubRenderer) NewSession(context.Context) (Session, error) { return r.session, nil }
func (r *stubRenderer) Close(context.Context) error                 { return nil }

type denyRobots struct{ denied map[string]bool }

func (d *denyRobots) Allowed(_ context.Context, rawURL string) bool { return !d.denied[rawURL] }

func testConfig(workers int) Config {
	return Config{
		Seeds:          []string{"https://example.com/"},
		AllowedDomains: []string{"example.com"},
		UserAgent:      "harvester-test",
		MaxDepth:       3,
		Workers:        workers,
		RequestTimeout: time.Second,
		PopTimeout:     20 * time.Millisecond,
		GraceWindow:    10 * time.Millisecond,
		EmptyPollLimit: 2,
		PollInterval:   time.Millisecond,
		FetchRetries:   1,
	}
}

func newLocalEngine(t *testing.T, cfg Config, fetcher Fetcher, extra func(*Deps)) (*Engine, store.Collection) {
	t.Helper()
	st := store.NewMemory()
	pages := st.Collection(store.CollPages)
	deps := Deps{
		Frontier: frontier.NewLocal(frontier.Policy{
			AllowedDomains: cfg.AllowedDomains,
			MaxDepth:       cfg.MaxDepth,
		}, 256, 0, zap.NewNop()),
		Fetcher: fetcher,
		Pages:   pages,
		Clock:   fixedClock{now: time.Unix(1700000000, 0).UTC()},
		Logger:  zap.NewNop(),
	}
	if extra != nil {
		extra(&deps)
	}
	return NewEngine(cfg, deps), pages
}

func TestEngineRun_CrawlsSiteAndRecordsPages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/",
		`<html><head><title>Home</title></head><body>
		<img src="/logo.png">
		<a href="/a">A</a><a href="/b">B</a></body></html>`)
	fetcher.addPage("https://example.com/a", `<html><head><title>A</title></head><body></body></html>`)
	fetcher.addPage("https://example.com/b", `<html><head><title>B</title></head><body></body></html>`)

	eng, pages := newLocalEngine(t, testConfig(2), fetcher, nil)
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 3, counters.Crawled)
	require.Equal(t, 0, counters.Failed)
	require.Equal(t, 2, counters.LinksFound)

	var rec model.PageRecord
	require.NoError(t, pages.FindOne(ctx, store.M{"url": "https://example.com/a"}, &rec))
	require.Equal(t, model.PageCrawled, rec.Status)
	require.Equal(t, "A", rec.Title)
	require.Equal(t, 1, rec.Depth)
	require.Equal(t, "https://example.com/", rec.ParentURL)

	require.NoError(t, pages.FindOne(ctx, store.M{"url": "https://example.com/"}, &rec))
	require.Equal(t, []model.Asset{
		{URL: "https://example.com/logo.png", Type: model.AssetImage},
	}, rec.Assets)

	n, err := pages.Count(ctx, store.M{"status": model.PageCrawled})
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestEngineRun_FailedFetchIsRecordedNotFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/",
		`<html><body><a href="/broken">x</a><a href="/ok">y</a></body></html>`)
	fetcher.addPage("https://example.com/ok", `<html><head><title>OK</title></head></html>`)
	// /broken stays unknown and returns a 404 page.

	eng, pages := newLocalEngine(t, testConfig(1), fetcher, nil)
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, counters.Crawled)
	require.Equal(t, 1, counters.Failed)

	var rec model.PageRecord
	require.NoError(t, pages.FindOne(ctx, store.M{"url": "https://example.com/broken"}, &rec))
	require.Equal(t, model.PageFailed, rec.Status)
}

func TestEngineRun_PanicDoesNotKillPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/",
		`<html><body><a href="/boom">x</a><a href="/ok">y</a></body></html>`)
	fetcher.addPage("https://example.com/ok", `<html></html>`)
	fetcher.panics["https://example.com/boom"] = true

	eng, _ := newLocalEngine(t, testConfig(2), fetcher, nil)
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, counters.Crawled)
	require.Equal(t, 1, counters.Failed)
	require.Equal(t, 3, counters.Total())
}

func TestEngineRun_RobotsDisallowSkips(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/",
		`<html><body><a href="/private">x</a></body></html>`)
	fetcher.addPage("https://example.com/private", `<html></html>`)

	eng, _ := newLocalEngine(t, testConfig(1), fetcher, func(d *Deps) {
		d.Robots = &denyRobots{denied: map[string]bool{"https://example.com/private": true}}
	})
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, counters.Crawled)
	require.Equal(t, 1, counters.Skipped)
	require.Equal(t, 0, fetcher.callCount("https://example.com/private"), "skipped page is never fetched")
}

func TestEngineRun_TransientFailureRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/", `<html><head><title>Home</title></head></html>`)
	fetcher.failTil["https://example.com/"] = 1

	eng, _ := newLocalEngine(t, testConfig(1), fetcher, nil)
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, counters.Crawled)
	require.Equal(t, 0, counters.Failed)
	require.Equal(t, 2, fetcher.callCount("https://example.com/"))
}

func TestEngineRun_RenderPromotion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/", `<html><body>loading...</body></html>`)

	session := &stubSession{html: `<html><head><title>Rendered</title></head><body>full content</body></html>`}
	eng, pages := newLocalEngine(t, testConfig(1), fetcher, func(d *Deps) {
		d.Renderer = &stubRenderer{session: session}
		d.Detector = &stubDetector{needsJS: map[string]bool{"https://example.com/": true}}
	})
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, counters.Crawled)
	require.Equal(t, 1, counters.Rendered)
	require.Equal(t, []string{"https://example.com/"}, session.opened)

	var rec model.PageRecord
	require.NoError(t, pages.FindOne(ctx, store.M{"url": "https://example.com/"}, &rec))
	require.True(t, rec.UsedJS)
	require.Equal(t, "Rendered", rec.Title)
}

func TestEngineRun_PageBudgetStopsPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/",
		`<html><body><a href="/a">a</a><a href="/b">b</a><a href="/c">c</a><a href="/d">d</a></body></html>`)
	for _, p := range []string{"/a", "/b", "/c", "/d"} {
		fetcher.addPage("https://example.com"+p, `<html></html>`)
	}

	cfg := testConfig(2)
	cfg.MaxPages = 2
	eng, _ := newLocalEngine(t, cfg, fetcher, nil)
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.LessOrEqual(t, counters.Crawled, 3, "pool stops near the budget")
	require.GreaterOrEqual(t, counters.Crawled, 2)
}

func TestEngineRun_HeldLeaseBoundsRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	st := store.NewMemory()
	clock := fixedClock{now: time.Unix(1700000000, 0).UTC()}

	// Another worker already holds the lease on the only seed.
	other := lease.New(st, "other-worker", 5*time.Minute, clock, zap.NewNop())
	require.True(t, other.Claim(ctx, "https://example.com/"))

	q := queue.NewDistributed(st, "worker-1", queue.Config{MaxRedeliveries: 2}, clock, zap.NewNop())
	front := frontier.NewDistributed(
		frontier.Policy{AllowedDomains: []string{"example.com"}, MaxDepth: 3},
		q,
		frontier.DistributedConfig{EmptyPollLimit: 2, PollInterval: time.Millisecond},
		zap.NewNop(),
	)

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/", `<html></html>`)

	cfg := testConfig(1)
	eng := NewEngine(cfg, Deps{
		Frontier: front,
		Fetcher:  fetcher,
		Leases:   lease.New(st, "worker-1", 5*time.Minute, clock, zap.NewNop()),
		Pages:    st.Collection(store.CollPages),
		Clock:    clock,
		Logger:   zap.NewNop(),
	})
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 0, counters.Crawled, "contended item is never processed here")
	require.Equal(t, 0, fetcher.callCount("https://example.com/"))

	var item model.WorkItem
	wq := st.Collection(store.CollWorkQueue)
	require.NoError(t, wq.FindOne(ctx, store.M{"url": "https://example.com/"}, &item))
	require.Equal(t, model.WorkFailed, item.Status, "redelivery bound converts contention into failure")
}

func TestEngineRun_SitemapSeeding(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fetcher := newStubFetcher()
	fetcher.addPage("https://example.com/", `<html></html>`)
	fetcher.pages["https://example.com/sitemap.xml"] = Page{
		URL:        "https://example.com/sitemap.xml",
		StatusCode: 200,
		Body: []byte(`<?xml version="1.0"?>
		<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
		  <url><loc>https://example.com/from-sitemap</loc></url>
		</urlset>`),
	}
	fetcher.addPage("https://example.com/from-sitemap", `<html><head><title>S</title></head></html>`)

	cfg := testConfig(1)
	cfg.SitemapURLs = []string{"https://example.com/sitemap.xml"}
	eng, pages := newLocalEngine(t, cfg, fetcher, nil)
	counters, err := eng.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, counters.Crawled)
	var rec model.PageRecord
	require.NoError(t, pages.FindOne(ctx, store.M{"url": "https://example.com/from-sitemap"}, &rec))
	require.Equal(t, "S", rec.Title)
}
