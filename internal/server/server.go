// Package server provides the HTTP server and routing for adpilot.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/adpilot/internal/database"
	"github.com/aristath/adpilot/internal/di"
	changehandlers "github.com/aristath/adpilot/internal/modules/changes/handlers"
	poolhandlers "github.com/aristath/adpilot/internal/modules/pools/handlers"
	rewardhandlers "github.com/aristath/adpilot/internal/modules/rewards/handlers"
	"github.com/aristath/adpilot/internal/work"
)

const requestTimeout = 60 * time.Second

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Container *di.Container
	Version   string
	Port      int
	DevMode   bool
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	container      *di.Container
	version        string
	systemHandlers *SystemHandlers
	dbMonitor      *DatabaseMonitor
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	databases := []*database.DB{cfg.Container.CoreDB, cfg.Container.LedgerDB}

	systemHandlers := NewSystemHandlers(databases, cfg.Container.WorkProcessor, cfg.Log)
	if cfg.Container.Backup != nil {
		systemHandlers.backups = cfg.Container.Backup
	}

	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		container:      cfg.Container,
		version:        cfg.Version,
		systemHandlers: systemHandlers,
		dbMonitor:      NewDatabaseMonitor(databases, cfg.Container.EventManager, cfg.Log),
	}
	if s.version == "" {
		s.version = "dev"
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

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(streamAwareTimeout(requestTimeout))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	c := s.container
	protect := c.Verifier.Middleware

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/events/stream", NewEventsStreamHandler(c.EventBus, s.log).ServeHTTP)

		poolhandlers.NewHandler(
			c.PoolService,
			c.PoolRepo,
			c.StatusService,
			c.Scheduler,
			c.EventManager,
			s.log,
		).RegisterRoutes(r, protect)

		rewardhandlers.NewHandler(c.RewardsService, c.EventManager, s.log).RegisterRoutes(r)

		changehandlers.NewHandler(
			c.Enqueuer,
			c.ChangeStore,
			c.Ledger,
			c.EventManager,
			c.ExecutorPool.Trigger,
			s.log,
		).RegisterRoutes(r, protect)

		work.NewHandlers(c.WorkProcessor).RegisterRoutes(r, protect)

		r.Route("/system", func(r chi.Router) {
			r.Get("/stats", s.systemHandlers.HandleSystemStats)
			r.Get("/databases", s.systemHandlers.HandleDatabaseStats)
			r.With(protect).Post("/databases/check", s.systemHandlers.HandleIntegrityCheck)
			r.Get("/backups", s.systemHandlers.HandleListBackups)
		})
	})
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and the database monitor. It blocks until the
// server is shut down.
func (s *Server) Start() error {
	s.dbMonitor.Start(30 * time.Second)
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.dbMonitor.Stop()
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
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

// streamAwareTimeout applies middleware.Timeout to everything except
// websocket upgrades and event streams, which stay open until the client leaves
func streamAwareTimeout(d time.Duration) func(http.Handler) http.Handler {
	timeout := middleware.Timeout(d)
	return func(next http.Handler) http.Handler {
		limited := timeout(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamRequest(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

func isStreamRequest(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
