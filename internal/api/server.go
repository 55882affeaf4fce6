// Package api is the HTTP surface of the verification service.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/config"
	"github.com/sells-group/eb-copilot/internal/model"
	"github.com/sells-group/eb-copilot/internal/store"
	"github.com/sells-group/eb-copilot/internal/verification"
)

// maxUploadBytes caps multipart evidence uploads.
const maxUploadBytes = 20 << 20

// Server holds the handler dependencies.
type Server struct {
	svc      *verification.Service
	auth     *Authenticator
	health   store.Store
	gatherer prometheus.Gatherer
}

// NewServer creates a Server. gatherer backs /metrics; nil uses the default
// registry.
func NewServer(svc *verification.Service, auth *Authenticator, st store.Store, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{svc: svc, auth: auth, health: st, gatherer: gatherer}
}

// Router builds the route table.
func (s *Server) Router(cfg config.ServerConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	writers := RequireRole(model.RoleAdmin, model.RoleReviewer, model.RoleScheduler)
	reviewers := RequireRole(model.RoleAdmin, model.RoleReviewer)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.RequireAuth)

		r.Route("/verifications", func(r chi.Router) {
			r.With(writers).Post("/", s.handleCreate)
			r.Get("/", s.handleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.With(writers).Patch("/", s.handleUpdate)
				r.With(writers).Post("/run", s.handleRun)
				r.With(writers).Post("/artifacts", s.handleAddArtifact)
				r.Get("/artifacts", s.handleListArtifacts)
				r.Get("/summary", s.handleSummary)
				r.With(reviewers).Patch("/summary/fields/{name}", s.handleUpdateField)
				r.With(reviewers).Post("/finalize", s.handleFinalize)
				r.Get("/report", s.handleReport)
				r.With(reviewers).Post("/report", s.handleRequestReport)
			})
		})
		r.Get("/artifacts/{id}/download", s.handleDownload)
		r.Get("/audit/verifications/{id}", s.handleAudit)
		r.With(RequireRole(model.RoleAdmin)).Get("/metrics/overview", s.handleOverview)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
