package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHeuristicDetector(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	d := NewHeuristicDetector(100, []string{"#content"}, []string{"Loading..."})

	tiny := Page{Body: []byte("<html></html>")}
	require.True(t, d.NeedsJS(ctx, tiny), "body below threshold")

	loader := Page{Body: []byte(`<html><body id="content">` + pad(100) + `LOADING...</body></html>`)}
	require.True(t, d.NeedsJS(ctx, loader), "keyword match is case-insensitive")

	missing := Page{Body: []byte(`<html><body>` + pad(100) + `</body></html>`)}
	require.True(t, d.NeedsJS(ctx, missing), "required selector absent")

	settled := Page{Body: []byte(`<html><body><div id="content">` + pad(100) + `</div></body></html>`)}
	require.False(t, d.NeedsJS(ctx, settled))
}

func pad(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

func TestBackoffRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewBackoffRetryPolicy(3)

	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(errors.New("boom"), 0))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3), "attempt bound")
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(ErrClaimConflict, 0))
	require.False(t, p.ShouldRetry(NewExtractionError("https://x", errors.New("bad html")), 0))
	require.True(t, p.ShouldRetry(ErrRenderTimeout, 1))

	for attempt := 0; attempt < 5; attempt++ {
		d := p.Backoff(attempt)
		require.Greater(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 5*time.Second)
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(NewExtractionError("https://x", errors.New("bad"))))
	require.True(t, IsTransient(ErrRenderTimeout))
	require.False(t, IsTransient(errors.New("opaque")))
}

func TestForbiddenBlocker(t *testing.T) {
	t.Parallel()

	b := newForbiddenBlocker(2)
	require.False(t, b.IsBlocked("example.com"))
	require.False(t, b.MarkForbidden("example.com"))
	require.True(t, b.MarkForbidden("Example.COM"), "case-insensitive host key")
	require.True(t, b.IsBlocked("example.com"))
	require.True(t, b.MarkForbidden("example.com"), "already blocked stays blocked")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := testConfig(2)
	require.NoError(t, valid.Validate())

	noSeeds := valid
	noSeeds.Seeds = nil
	require.Error(t, noSeeds.Validate())

	noAgent := valid
	noAgent.UserAgent = ""
	require.Error(t, noAgent.Validate())

	badWorkers := valid
	badWorkers.Workers = 0
	require.Error(t, badWorkers.Validate())

	renderOn := valid
	renderOn.RenderEnabled = true
	require.Error(t, renderOn.Validate(), "render enabled needs timeout and concurrency")
	renderOn.RenderTimeout = 10 * time.Second
	renderOn.RenderMaxConcurrency = 2
	require.NoError(t, renderOn.Validate())
}
