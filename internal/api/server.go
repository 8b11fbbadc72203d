// Package api is the substrate's operational HTTP surface: a call gateway
// into the orchestrator, job management endpoints, runtime handle listing,
// and a websocket feed of job list updates.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/consts"
	"github.com/loomworks/loom/internal/core"
	"github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/runtime"
)

// Server owns the HTTP listener. Handlers get their collaborators through
// the struct, not through globals.
type Server struct {
	*core.BaseComponent

	cfg    config.HTTPServerConfig
	orch   *runtime.Orchestrator
	jobs   *jobs.Engine
	hub    *Hub
	health func() map[string]error

	srv *http.Server
}

func NewServer(cfg config.HTTPServerConfig, orch *runtime.Orchestrator, engine *jobs.Engine, hub *Hub, health func() map[string]error) *Server {
	return &Server{
		BaseComponent: core.NewBaseComponent(consts.COMPONENT_HTTP_SERVER,
			consts.COMPONENT_ORCHESTRATOR, consts.COMPONENT_JOB_ENGINE, consts.COMPONENT_WS_HUB),
		cfg:    cfg,
		orch:   orch,
		jobs:   engine,
		hub:    hub,
		health: health,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(otelchi.Middleware("loomd", otelchi.WithChiRoutes(r)))

	r.Get("/healthz", s.getHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/call/{service}/{method}", s.postCall)
		r.Get("/services", s.getServices)
		r.Get("/jobs", s.getJobs)
		r.Post("/jobs", s.postJob)
		r.Delete("/jobs/{id}", s.deleteJob)
		r.Get("/ws/jobs", s.hub.serveWS)
	})

	return r
}

func (s *Server) Start(ctx context.Context) error {
	if s.IsActive() {
		return nil
	}
	if err := s.BaseComponent.Start(ctx); err != nil {
		return err
	}
	s.srv = &http.Server{
		Addr:              s.cfg.Address(),
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Info(ctx, "http server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, "http server exited", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if !s.IsActive() {
		return nil
	}
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.GracefulTimeout.Std())
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			logging.Warn(ctx, "http server shutdown", zap.Error(err))
		}
	}
	return s.BaseComponent.Stop(ctx)
}
