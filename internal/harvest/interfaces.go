package harvest

import (
	"context"
	"time"
)

// Fetcher retrieves a URL over plain HTTP, the cheap probe path.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// Detector decides whether a probed page needs JavaScript to produce its
// real content.
type Detector interface {
	NeedsJS(ctx context.Context, page Page) bool
}

// Renderer owns a shared browser process and hands out per-worker sessions.
// Sessions are stateful and must never be shared across workers.
type Renderer interface {
	NewSession(ctx context.Context) (Session, error)
	Close(ctx context.Context) error
}

// Session is one worker's exclusive rendering context. Open navigates and
// returns the settled DOM; WaitFor and Click drive pages that load content
// on interaction; CurrentHTML re-reads the DOM after such interaction.
// Timeout failures unwrap to ErrRenderTimeout.
type Session interface {
	Open(ctx context.Context, rawURL string) (string, error)
	WaitFor(ctx context.Context, selector string) error
	Click(ctx context.Context, selector string) error
	CurrentHTML(ctx context.Context) (string, error)
	Close() error
}

// RobotsPolicy reports whether a URL may be fetched at all.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}
