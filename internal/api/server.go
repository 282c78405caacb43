package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"verification_pipeline/internal/config"
)

// NewRouter assembles the full route tree. Subject and admin routes sit
// behind JWT auth; the job triggers behind the cron shared secret; health
// and metrics are open.
func NewRouter(h *Handler, cfg *config.Config, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(logger))
	r.Use(MetricsMiddleware())

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(JWTAuth(cfg.Auth.AdminJWTSecret, logger))

		r.Post("/verifications", h.CreateVerification)
		r.Get("/verifications/{id}", h.GetVerification)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/verifications", h.AdminListVerifications)
			r.Post("/verifications/decision", h.AdminDecide)
			r.Get("/verifications/{id}/documents/{index}/url", h.AdminDocumentURL)
		})
	})

	r.Route("/internal/jobs", func(r chi.Router) {
		r.Use(CronAuth(cfg.Auth.CronSecret))
		r.Post("/hourly", h.TriggerHourly)
		r.Post("/daily", h.TriggerDaily)
	})

	return r
}

// Server wraps http.Server with sane timeouts.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(cfg *config.Config, handler http.Handler, logger *zap.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("starting HTTP server", zap.String("address", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
