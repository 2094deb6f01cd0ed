// Package server provides the HTTP API for csvrag.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/config"
	"github.com/hyperjump/csvrag/internal/ingest"
	"github.com/hyperjump/csvrag/internal/query"
	"github.com/hyperjump/csvrag/internal/storage"
	"github.com/hyperjump/csvrag/pkg/utils"
)

// WatchService manages watched directories.
type WatchService interface {
	Directories() []string
	AddDirectory(path string) error
}

// Server is the HTTP server for the csvrag API.
type Server struct {
	ingest      *ingest.Coordinator
	query       *query.Coordinator
	store       storage.MetadataStore
	watch       WatchService
	config      *config.ServerConfig
	statusPaths []string
	logger      *zap.Logger
	server      *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithWatch enables the watch directory endpoints.
func WithWatch(ws WatchService) Option {
	return func(s *Server) { s.watch = ws }
}

// WithStatusPaths sets the files whose size is reported as disk usage.
func WithStatusPaths(paths ...string) Option {
	return func(s *Server) { s.statusPaths = paths }
}

// NewServer creates a server with the given dependencies.
func NewServer(
	ing *ingest.Coordinator,
	q *query.Coordinator,
	store storage.MetadataStore,
	cfg *config.ServerConfig,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	s := &Server{
		ingest: ing,
		query:  q,
		store:  store,
		config: cfg,
		logger: utils.OrNop(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", s.withTimeout(60*time.Second, s.handleQuery))
		// Ingestion runs as long as the source takes; it is bounded by the embedding timeout per batch.
		r.Post("/ingest", s.handleIngest)
		r.Get("/records/{id}", s.handleGetRecord)
		r.Get("/sources", s.handleListSources)
		r.Delete("/sources", s.handleDeleteSource)
		r.Get("/status", s.handleStatus)
		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
	})
	return r
}

func (s *Server) withTimeout(d time.Duration, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
