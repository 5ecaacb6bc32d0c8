// Package server exposes the ingestion pipeline's ambient HTTP surface:
// a health check, process heartbeat, and read access to task-run status
// by ID, following the chi+cors middleware stack the teacher's own
// dashboard server used.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/quantpulse/internal/database"
	"github.com/aristath/quantpulse/internal/domain"
	"github.com/aristath/quantpulse/internal/scheduler"
)

// Config holds server configuration.
type Config struct {
	Port      int
	Log       zerolog.Logger
	CatalogDB *database.DB
	TasksDB   *database.DB
	TaskStore domain.TaskStore
	DevMode   bool
}

// Server is the pipeline's HTTP surface.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	catalogDB *database.DB
	tasksDB   *database.DB
	tasks     domain.TaskStore
}

// New builds a Server ready to Start.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		catalogDB: cfg.CatalogDB,
		tasksDB:   cfg.TasksDB,
		tasks:     cfg.TaskStore,
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
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			r.Get("/heartbeat", s.handleHeartbeat)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/{taskID}", s.handleGetTask)
			r.Get("/", s.handleListTasks)
		})
	})
}

// loggingMiddleware logs each request at Info with method, path, status, and duration.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if s.catalogDB != nil {
		if err := s.catalogDB.QuickCheck(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.tasksDB != nil {
		if err := s.tasksDB.QuickCheck(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	hb, err := scheduler.ReadHeartbeat(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to read heartbeat")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "heartbeat unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, hb)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	run, err := s.tasks.GetTaskRun(r.Context(), taskID)
	if err != nil {
		s.log.Error().Err(err).Str("task_id", taskID).Msg("failed to fetch task run")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if run == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	taskType := r.URL.Query().Get("task_type")
	limit := 20

	runs, err := s.tasks.ListRecentTaskRuns(r.Context(), taskType, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list task runs")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Start begins serving HTTP traffic. It blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
