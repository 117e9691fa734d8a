// Package api exposes the operator HTTP surface: liveness and readiness
// probes, Prometheus metrics, harvest statistics, and stored site maps.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/medregistry/harvester/internal/model"
	"github.com/medregistry/harvester/internal/store"
)

const statsTimeout = 5 * time.Second

// Server wires the HTTP handlers to the document store.
type Server struct {
	router chi.Router
	store  store.Store
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(st store.Store, logger *zap.Logger) *Server {
	s := &Server{
		store:  st,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/sitemaps/{domain}", s.siteMap)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Organizations map[string]int64 `json:"organizations"`
	People        map[string]int64 `json:"people"`
	Pages         map[string]int64 `json:"pages"`
	Queue         map[string]int64 `json:"queue"`
}

var allStages = []model.Stage{
	model.StageDiscovered,
	model.StageEnriched,
	model.StageMembersCollected,
	model.StageProcessed,
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := contextWithTimeout(r, statsTimeout)
	defer cancel()

	resp := statsResponse{
		Organizations: make(map[string]int64),
		People:        make(map[string]int64),
		Pages:         make(map[string]int64),
		Queue:         make(map[string]int64),
	}

	for _, stage := range allStages {
		n, err := s.store.Collection(store.CollOrganizations).Count(ctx, store.M{"stage": stage})
		if err != nil {
			s.statsError(w, err)
			return
		}
		resp.Organizations[stage.String()] = n
	}
	for _, stage := range []model.Stage{model.StageDiscovered, model.StageProcessed} {
		n, err := s.store.Collection(store.CollPeople).Count(ctx, store.M{"stage": stage})
		if err != nil {
			s.statsError(w, err)
			return
		}
		resp.People[stage.String()] = n
	}
	for _, status := range []model.CrawlStatus{model.PageCrawled, model.PageFailed} {
		n, err := s.store.Collection(store.CollPages).Count(ctx, store.M{"status": status})
		if err != nil {
			s.statsError(w, err)
			return
		}
		resp.Pages[string(status)] = n
	}
	for _, status := range []model.WorkStatus{model.WorkPending, model.WorkClaimed, model.WorkDone, model.WorkFailed} {
		n, err := s.store.Collection(store.CollWorkQueue).Count(ctx, store.M{"status": status})
		if err != nil {
			s.statsError(w, err)
			return
		}
		resp.Queue[string(status)] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) statsError(w http.ResponseWriter, err error) {
	s.logger.Error("stats query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to collect stats")
}

func (s *Server) siteMap(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	ctx, cancel := contextWithTimeout(r, statsTimeout)
	defer cancel()

	var sm map[string]any
	err := s.store.Collection(store.CollSiteMaps).FindOne(ctx, store.M{"domain": domain}, &sm)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no site map for domain")
			return
		}
		s.logger.Error("site map lookup failed", zap.String("domain", domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load site map")
		return
	}
	delete(sm, "_id")
	writeJSON(w, http.StatusOK, sm)
}
