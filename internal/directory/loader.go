// Package directory wires the entity pipeline to the medical-directory site:
// stage drivers that load detail pages, parse them, and emit the merged
// records, member sightings, and cross-entity relationship updates.
package directory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/harvest"
	"github.com/medregistry/harvester/internal/metrics"
)

// PageLoader returns the settled HTML for a detail page.
type PageLoader interface {
	HTML(ctx context.Context, rawURL string) (string, error)
}

// Loader is the production PageLoader: probe over plain HTTP first, promote
// to a rendering session only when the detector flags a JS shell. Render
// sessions are taken from the shared renderer per call, so the loader itself
// is safe for concurrent drivers.
type Loader struct {
	fetcher  harvest.Fetcher
	detector harvest.Detector
	renderer harvest.Renderer
	logger   *zap.Logger
}

// NewLoader builds a Loader. renderer may be nil when rendering is disabled.
func NewLoader(fetcher harvest.Fetcher, detector harvest.Detector, renderer harvest.Renderer, logger *zap.Logger) *Loader {
	return &Loader{
		fetcher:  fetcher,
		detector: detector,
		renderer: renderer,
		logger:   logger,
	}
}

// HTML probes rawURL and promotes to rendering when needed. A failed
// promotion falls back to the probe body rather than failing the entity.
func (l *Loader) HTML(ctx context.Context, rawURL string) (string, error) {
	page, err := l.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", rawURL, err)
	}
	if page.StatusCode >= 400 {
		return "", fmt.Errorf("probe %s: status %d", rawURL, page.StatusCode)
	}
	if l.renderer == nil || !l.detector.NeedsJS(ctx, page) {
		return string(page.Body), nil
	}

	metrics.RenderPromotions.Inc()
	html, err := l.render(ctx, rawURL)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		l.logger.Warn("render failed, using probe body",
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return string(page.Body), nil
	}
	return html, nil
}

func (l *Loader) render(ctx context.Context, rawURL string) (string, error) {
	session, err := l.renderer.NewSession(ctx)
	if err != nil {
		return "", fmt.Errorf("open render session: %w", err)
	}
	defer session.Close()
	return session.Open(ctx, rawURL)
}
