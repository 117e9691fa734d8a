package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ChromedpRenderer owns one headless Chrome process and hands each worker its
// own tab-backed Session. The browser is shared; tabs are not.
type ChromedpRenderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	timeout         time.Duration
	domainQPS       float64
	domainLimiters  sync.Map
	userAgent       string
}

// NewChromedpRenderer starts the shared browser. Disabled configuration
// returns ErrRendererDisabled so callers can run probe-only.
func NewChromedpRenderer(cfg Config, logger *zap.Logger) (*ChromedpRenderer, error) {
	if !cfg.RenderEnabled || cfg.RenderMaxConcurrency <= 0 {
		return nil, ErrRendererDisabled
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(cfg.UserAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		allocatorCancel()
		browserCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &ChromedpRenderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
		sem:             make(chan struct{}, cfg.RenderMaxConcurrency),
		timeout:         cfg.RenderTimeout,
		domainQPS:       cfg.DomainQPS,
		userAgent:       cfg.UserAgent,
	}, nil
}

// NewSession opens a fresh tab for one worker's exclusive use.
func (r *ChromedpRenderer) NewSession(ctx context.Context) (Session, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
	tabCtx, tabCancel := chromedp.NewContext(r.browserCtx)
	return &chromedpSession{
		renderer:  r,
		tabCtx:    tabCtx,
		tabCancel: tabCancel,
	}, nil
}

// Close tears down the shared browser and allocator.
func (r *ChromedpRenderer) Close(_ context.Context) error {
	if r == nil {
		return nil
	}
	r.browserCancel()
	r.allocatorCancel()
	return nil
}

func (r *ChromedpRenderer) waitDomainBudget(ctx context.Context, rawURL string) error {
	if r.domainQPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse render url: %w", err)
	}
	host := strings.ToLower(parsed.Host)
	val, _ := r.domainLimiters.LoadOrStore(host, rate.NewLimiter(rate.Limit(r.domainQPS), 1))
	limiter, ok := val.(*rate.Limiter)
	if !ok {
		return fmt.Errorf("unexpected limiter type %T", val)
	}
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait render budget: %w", err)
	}
	return nil
}

// chromedpSession is one tab. Not safe for concurrent use; each worker owns
// exactly one.
type chromedpSession struct {
	renderer  *ChromedpRenderer
	tabCtx    context.Context
	tabCancel context.CancelFunc
	closeOnce sync.Once
}

// Open navigates the tab and returns the settled DOM.
func (s *chromedpSession) Open(ctx context.Context, rawURL string) (string, error) {
	if err := s.renderer.waitDomainBudget(ctx, rawURL); err != nil {
		return "", err
	}
	var html string
	err := s.run(ctx, chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(s.renderer.userAgent),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	})
	if err != nil {
		return "", fmt.Errorf("open %s: %w", rawURL, err)
	}
	return html, nil
}

// WaitFor blocks until the selector is visible in the current page.
func (s *chromedpSession) WaitFor(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.Tasks{
		chromedp.WaitVisible(selector, chromedp.ByQuery),
	}); err != nil {
		return fmt.Errorf("wait for %q: %w", selector, err)
	}
	return nil
}

// Click clicks the first element matching selector.
func (s *chromedpSession) Click(ctx context.Context, selector string) error {
	if err := s.run(ctx, chromedp.Tasks{
		chromedp.Click(selector, chromedp.ByQuery),
	}); err != nil {
		return fmt.Errorf("click %q: %w", selector, err)
	}
	return nil
}

// CurrentHTML re-reads the tab's DOM, picking up changes from interaction.
func (s *chromedpSession) CurrentHTML(ctx context.Context) (string, error) {
	var html string
	if err := s.run(ctx, chromedp.Tasks{
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}); err != nil {
		return "", fmt.Errorf("read current html: %w", err)
	}
	return html, nil
}

// Close releases the tab and its render slot. Idempotent.
func (s *chromedpSession) Close() error {
	s.closeOnce.Do(func() {
		s.tabCancel()
		<-s.renderer.sem
	})
	return nil
}

// run executes tasks against the tab under the render timeout, translating
// deadline hits into ErrRenderTimeout.
func (s *chromedpSession) run(ctx context.Context, tasks chromedp.Tasks) error {
	taskCtx, cancelTask := context.WithTimeout(s.tabCtx, s.renderer.timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	err := chromedp.Run(taskCtx, tasks)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %v", ErrRenderTimeout, err)
	}
	return err
}

// forwardCancel propagates cancellation of parent into cancel without tying
// the tab's lifetime to the caller's context.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
