package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/csvrag/internal/fault"
	"github.com/hyperjump/csvrag/internal/ingest"
	"github.com/hyperjump/csvrag/internal/models"
	"github.com/hyperjump/csvrag/internal/storage"
)

type ingestRequest struct {
	Path      string `json:"path"`
	BatchSize int    `json:"batch_size,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type deleteSourceResponse struct {
	Path    string `json:"path"`
	Deleted int64  `json:"deleted"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req models.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("query request", zap.String("query", req.Query), zap.Int("top_k", req.TopK))
	resp, err := s.query.Query(r.Context(), &req)
	if err != nil {
		s.logger.Error("query failed", zap.Error(err))
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	if req.BatchSize < 0 {
		s.respondError(w, http.StatusBadRequest, "batch_size must be positive")
		return
	}
	info, err := os.Stat(req.Path)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "path not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	opts := ingest.FileOptions{BatchSize: req.BatchSize, Force: req.Force}
	s.logger.Debug("ingest request", zap.String("path", req.Path), zap.Bool("force", req.Force))

	if info.IsDir() {
		results, err := s.ingest.IngestDirectory(r.Context(), req.Path, opts)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	res := s.ingest.IngestFile(r.Context(), req.Path, opts)
	status := http.StatusOK
	if res.Err != nil {
		status = statusFor(res.Err)
	}
	s.respondJSON(w, status, res)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	rec, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "record not found")
			return
		}
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.respondFault(w, err)
		return
	}
	if sources == nil {
		sources = []*models.SourceFile{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	s.logger.Debug("delete source request", zap.String("path", path))
	n, err := s.ingest.DeleteSource(r.Context(), path)
	if err != nil {
		s.logger.Error("delete source failed", zap.String("path", path), zap.Error(err))
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, deleteSourceResponse{Path: path, Deleted: n})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ingest.Status(r.Context(), s.statusPaths...)
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondFault(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	if err := s.watch.AddDirectory(abs); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

// statusFor maps a fault kind to an HTTP status.
func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.InvalidInput:
		return http.StatusBadRequest
	case fault.LockContention:
		return http.StatusConflict
	case fault.SourceReadError:
		return http.StatusUnprocessableEntity
	case fault.StoreUnavailable, fault.EmbeddingUnavailable, fault.IndexUnavailable:
		return http.StatusServiceUnavailable
	case fault.Canceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondFault(w http.ResponseWriter, err error) {
	s.respondJSON(w, statusFor(err), map[string]string{
		"error": err.Error(),
		"fault": string(fault.KindOf(err)),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
