// Package server provides the HTTP server and routing for riskmatch.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/config"
	"github.com/meridianfm/riskmatch/internal/di"
	"github.com/meridianfm/riskmatch/internal/modules/episodes"
	"github.com/meridianfm/riskmatch/internal/modules/ingest"
	"github.com/meridianfm/riskmatch/internal/modules/review"
	"github.com/meridianfm/riskmatch/internal/pipeline"
)

// Server is the riskmatch HTTP server.
type Server struct {
	router    chi.Router
	server    *http.Server
	log       zerolog.Logger
	cfg       *config.Config
	container *di.Container

	ingestHandler   *ingest.Handler
	pipelineHandler *pipeline.Handler
	reviewHandler   *review.Handler
	episodeHandler  *episodes.Handler
	systemHandlers  *SystemHandlers
}

// New creates a new HTTP server over a wired container.
func New(cfg *config.Config, container *di.Container, log zerolog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       log.With().Str("component", "server").Logger(),
		cfg:       cfg,
		container: container,

		ingestHandler:   ingest.NewHandler(container.IngestService, log),
		pipelineHandler: pipeline.NewHandler(container.Pipeline, log),
		reviewHandler:   review.NewHandler(container.ReviewService, container.StreamHub, log),
		episodeHandler:  episodes.NewHandler(container.EpisodeService, container.EpisodeRepo, log),
		systemHandlers:  NewSystemHandlers(container, cfg.DataDir, log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Get("/health", s.handleHealth)

	// Review event stream: a long-lived websocket, mounted outside the
	// request timeout middleware
	s.router.Get("/api/review/stream", s.reviewHandler.HandleStream)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Route("/api", func(r chi.Router) {
			s.ingestHandler.RegisterRoutes(r)
			s.pipelineHandler.RegisterRoutes(r)
			s.reviewHandler.RegisterRoutes(r)
			s.episodeHandler.RegisterRoutes(r)
			s.systemHandlers.RegisterRoutes(r)
		})
	})
}

// Start starts the HTTP server. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// handleHealth reports liveness plus a quick ping of every database.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, db := range s.container.Databases() {
		if err := db.QuickCheck(ctx); err != nil {
			s.log.Error().Err(err).Str("database", db.Name()).Msg("Health check failed")
			http.Error(w, fmt.Sprintf("database %s unavailable", db.Name()), http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
