package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/harvest"
)

type probeFetcher struct {
	page harvest.Page
	err  error
}

func (f probeFetcher) Fetch(context.Context, string) (harvest.Page, error) {
	return f.page, f.err
}

type alwaysJS struct{ needs bool }

func (d alwaysJS) NeedsJS(context.Context, harvest.Page) bool { return d.needs }

type fakeSession struct {
	html string
	err  error
}

func (s fakeSession) Open(context.Context, string) (string, error) { return s.html, s.err }
func (s fakeSession) WaitFor(context.Context, string) error        { return nil }
func (s fakeSession) Click(context.Context, string) error          { return nil }
func (s fakeSession) CurrentHTML(context.Context) (string, error)  { return s.html, nil }
func (s fakeSession) Close() error                                 { return nil }

type fakeRenderer struct{ session fakeSession }

func (r fakeRenderer) NewSession(context.Context) (harvest.Session, error) { return r.session, nil }
func (r fakeRenderer) Close(context.Context) error                        { return nil }

func TestLoaderSkipsRenderingForStaticPages(t *testing.T) {
	loader := NewLoader(
		probeFetcher{page: harvest.Page{StatusCode: 200, Body: []byte("<html>static</html>")}},
		alwaysJS{needs: false},
		fakeRenderer{session: fakeSession{html: "<html>rendered</html>"}},
		zap.NewNop(),
	)

	html, err := loader.HTML(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "<html>static</html>", html)
}

func TestLoaderPromotesJSShells(t *testing.T) {
	loader := NewLoader(
		probeFetcher{page: harvest.Page{StatusCode: 200, Body: []byte("<html></html>")}},
		alwaysJS{needs: true},
		fakeRenderer{session: fakeSession{html: "<html>rendered</html>"}},
		zap.NewNop(),
	)

	html, err := loader.HTML(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "<html>rendered</html>", html)
}

func TestLoaderFallsBackToProbeOnRenderFailure(t *testing.T) {
	loader := NewLoader(
		probeFetcher{page: harvest.Page{StatusCode: 200, Body: []byte("<html>probe</html>")}},
		alwaysJS{needs: true},
		fakeRenderer{session: fakeSession{err: harvest.ErrRenderTimeout}},
		zap.NewNop(),
	)

	html, err := loader.HTML(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	assert.Equal(t, "<html>probe</html>", html)
}

func TestLoaderRejectsErrorStatus(t *testing.T) {
	loader := NewLoader(
		probeFetcher{page: harvest.Page{StatusCode: 503}},
		alwaysJS{},
		nil,
		zap.NewNop(),
	)

	_, err := loader.HTML(context.Background(), "https://example.com/a")
	require.Error(t, err)
}

func TestLoaderPropagatesFetchError(t *testing.T) {
	loader := NewLoader(
		probeFetcher{err: errors.New("connection refused")},
		alwaysJS{},
		nil,
		zap.NewNop(),
	)

	_, err := loader.HTML(context.Background(), "https://example.com/a")
	require.Error(t, err)
}
