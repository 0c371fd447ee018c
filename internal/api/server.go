// SPDX-License-Identifier: MIT

// Package api provides the HTTP control plane of visiond.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfricke/visiond/internal/bundle"
	"github.com/mfricke/visiond/internal/config"
	vlog "github.com/mfricke/visiond/internal/log"
	"github.com/mfricke/visiond/internal/model"
	"github.com/mfricke/visiond/internal/pipeline"
	"github.com/mfricke/visiond/internal/publish"
	"github.com/mfricke/visiond/internal/settings"
	"github.com/mfricke/visiond/internal/stream"
)

// maxBundleBytes caps the accepted size of an uploaded pipeline bundle.
const maxBundleBytes = 512 << 20

// Server is the HTTP API server wiring all subsystems together.
type Server struct {
	cfg       config.Config
	version   string
	pipelines *pipeline.Registry
	runtime   *pipeline.Runtime
	streams   *stream.Engine
	models    *model.Repository
	bundles   *bundle.Codec
	publisher *publish.Publisher
	settings  *settings.Store
}

// New creates the API server over the given subsystems.
func New(cfg config.Config, version string, pipelines *pipeline.Registry, runtime *pipeline.Runtime,
	streams *stream.Engine, models *model.Repository, bundles *bundle.Codec,
	publisher *publish.Publisher, store *settings.Store) *Server {
	return &Server{
		cfg:       cfg,
		version:   version,
		pipelines: pipelines,
		runtime:   runtime,
		streams:   streams,
		models:    models,
		bundles:   bundles,
		publisher: publisher,
		settings:  store,
	}
}

// Router builds the chi router with the canonical middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	if s.cfg.RateLimitRPS > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitRPS, time.Second))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/pipelines", func(r chi.Router) {
			r.Get("/", s.handlePipelineList)
			r.Post("/", s.handlePipelineCreate)
			r.Post("/import", s.handlePipelineImport)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handlePipelineGet)
				r.Put("/", s.handlePipelineUpdate)
				r.Delete("/", s.handlePipelineDelete)
				r.Post("/start", s.handlePipelineStart)
				r.Post("/stop", s.handlePipelineStop)
				r.Get("/stream", s.handleStream(stream.Standard))
				r.Get("/stream/hq", s.handleStream(stream.HighQuality))
				r.Get("/export", s.handlePipelineExport)
			})
		})
		r.Route("/models", func(r chi.Router) {
			r.Get("/", s.handleModelList)
			r.Post("/", s.handleModelUpload)
			r.Get("/{id}", s.handleModelGet)
			r.Delete("/{id}", s.handleModelDelete)
		})
		r.Route("/publishers", func(r chi.Router) {
			r.Get("/", s.handlePublisherList)
			r.Post("/", s.handlePublisherCreate)
			r.Get("/types", s.handlePublisherTypes)
			r.Post("/test", s.handlePublisherTest)
			r.Route("/favorites", func(r chi.Router) {
				r.Get("/", s.handleFavoriteList)
				r.Post("/", s.handleFavoriteCreate)
				r.Get("/{id}", s.handleFavoriteGet)
				r.Put("/{id}", s.handleFavoriteUpdate)
				r.Delete("/{id}", s.handleFavoriteDelete)
			})
			r.Put("/{id}", s.handlePublisherUpdate)
			r.Delete("/{id}", s.handlePublisherDelete)
		})
		r.Get("/node", s.handleNodeGet)
		r.Put("/node/name", s.handleNodeRename)
		r.Get("/telemetry", s.handleTelemetryGet)
		r.Put("/telemetry", s.handleTelemetryUpdate)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// requestID attaches a correlation id to the request context and response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(vlog.ContextWithRequestID(r.Context(), id)))
	})
}

// recoverer converts handler panics into 500 responses instead of killing the
// daemon.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := vlog.WithComponent("api")
				logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
