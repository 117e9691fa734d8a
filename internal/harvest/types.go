// Package harvest implements the crawling engine: a bounded worker pool over
// the frontier, the probe fetcher with headless promotion, and the renderer
// session contract used by the stage drivers.
package harvest

import "net/http"

// Page is one fetched document plus transport metadata.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	UsedJS     bool
}

// ContentType returns the response content type, if the fetcher captured one.
func (p Page) ContentType() string {
	if p.Headers == nil {
		return ""
	}
	return p.Headers.Get("Content-Type")
}

// Counters are per-worker processing totals. Each worker accumulates its own
// and the pool sums them at join time, keeping the hot path lock-free.
type Counters struct {
	Crawled    int
	Failed     int
	Skipped    int
	LinksFound int
	Rendered   int
}

// Merge folds other into c.
func (c *Counters) Merge(other Counters) {
	c.Crawled += other.Crawled
	c.Failed += other.Failed
	c.Skipped += other.Skipped
	c.LinksFound += other.LinksFound
	c.Rendered += other.Rendered
}

// Total returns the number of items the counters account for.
func (c Counters) Total() int {
	return c.Crawled + c.Failed + c.Skipped
}
