package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return NewServer(st, zap.NewNop()), st
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestStatsCountsByStageAndStatus(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	orgs := st.Collection(store.CollOrganizations)
	require.NoError(t, orgs.InsertOne(ctx, store.M{"url": "https://x/org/a", "stage": model.StageDiscovered}))
	require.NoError(t, orgs.InsertOne(ctx, store.M{"url": "https://x/org/b", "stage": model.StageProcessed}))
	pages := st.Collection(store.CollPages)
	require.NoError(t, pages.InsertOne(ctx, store.M{"url": "https://x/", "status": model.PageCrawled}))
	queue := st.Collection(store.CollWorkQueue)
	require.NoError(t, queue.InsertOne(ctx, store.M{"url": "https://x/q", "status": model.WorkPending}))

	rec := get(t, s, "/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp.Organizations["discovered"])
	assert.EqualValues(t, 1, resp.Organizations["processed"])
	assert.EqualValues(t, 1, resp.Pages["crawled"])
	assert.EqualValues(t, 1, resp.Queue["pending"])
}

func TestSiteMapLookup(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	rec := get(t, s, "/v1/sitemaps/example.com")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, st.Collection(store.CollSiteMaps).InsertOne(ctx, store.M{
		"domain":     "example.com",
		"built_at":   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		"page_count": 3,
	}))

	rec = get(t, s, "/v1/sitemaps/example.com")
	require.Equal(t, http.StatusOK, rec.Code)

	var sm map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sm))
	assert.Equal(t, "example.com", sm["domain"])
	assert.EqualValues(t, 3, sm["page_count"])
}
