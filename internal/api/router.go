// Package api provides the operational REST surface for stepwise:
// health, skill listing, plan inspection, and query execution.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/stepwise-dev/stepwise/internal/config"
	"github.com/stepwise-dev/stepwise/internal/logger"
	"github.com/stepwise-dev/stepwise/pkg/orchestrate"
	"github.com/stepwise-dev/stepwise/pkg/planfile"
	"github.com/stepwise-dev/stepwise/pkg/skills"
)

// Version is the service version reported by /version.
const Version = "1.0.0"

// Runner executes one user query end to end.
type Runner interface {
	Run(ctx context.Context, userQuery string) (*orchestrate.RunResult, error)
}

// Server represents the API server.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	registry *skills.Registry
	store    *planfile.Store
	runner   Runner
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, registry *skills.Registry, store *planfile.Store, runner Runner) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    store,
		runner:   runner,
	}
	s.setupRouter()
	return s
}

// setupRouter configures all routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Get("/skills", s.handleListSkills)

	r.Route("/plans", func(r chi.Router) {
		r.Get("/", s.handleListPlans)
		r.Get("/{id}", s.handleGetPlan)
	})

	r.Post("/query", s.handleQuery)

	s.router = r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server and blocks until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Service.Host, s.cfg.Service.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.GetLogger().Info().Str("addr", addr).Msg("API server listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.cfg.Service.ShutdownTimeout)*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
