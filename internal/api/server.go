package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opencare-jp/kasan/internal/domain"
	"github.com/opencare-jp/kasan/internal/engine"
	"github.com/opencare-jp/kasan/internal/visits"
)

// Server wires the chi router, middleware stack, and handlers.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer builds the HTTP surface. Health probes sit outside the
// tenant subrouter; everything billing-related requires X-Tenant-ID.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, eng *engine.Engine, visitSvc *visits.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, eng, visitSvc, version)
	router := chi.NewRouter()

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Post("/evaluate", handler.Evaluate)
		r.Post("/preview", handler.Preview)

		r.Get("/evaluations/{id}", handler.GetEvaluation)
		r.Get("/visits/{id}", handler.GetVisit)

		// Catalog authoring. Saved rules go live only on reload.
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{code}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router exposes the chi mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler exposes the handler for tests.
func (s *Server) Handler() *Handler {
	return s.handler
}
