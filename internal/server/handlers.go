package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/ruiji/internal/config"
	"github.com/hyperjump/ruiji/internal/models"
	"github.com/hyperjump/ruiji/internal/search"
	"github.com/hyperjump/ruiji/internal/storage"
)

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, models.InvalidArgumentf("read body: %v", err)
	}
	return body, nil
}

// handleSemantic accepts the tagged request envelope {"operation": ...}.
func (s *Server) handleSemantic(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	req, err := models.DecodeRequest(body)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.run(w, r, req)
}

// handleOperation serves /api/v1/{operation} with the untagged request body.
func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	req, err := models.NewRequest(models.Operation(path.Base(r.URL.Path)))
	if err != nil {
		s.fail(w, err)
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := json.Unmarshal(body, req); err != nil {
		s.fail(w, models.InvalidArgumentf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.fail(w, err)
		return
	}
	s.run(w, r, req)
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req models.Request) {
	resp, err := s.engine.Handle(r.Context(), req)
	if err != nil {
		s.logger.Debug("operation failed", zap.String("operation", string(req.Operation())), zap.Error(err))
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePutItem(w http.ResponseWriter, r *http.Request) {
	var in models.ItemInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		s.fail(w, models.InvalidArgumentf("invalid request body: %v", err))
		return
	}
	resp, err := s.engine.PutItem(r.Context(), chi.URLParam(r, "id"), &in)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.engine.Index().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, it)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.engine.Index().Remove(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		s.fail(w, models.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type documentRequest struct {
	ID       string                 `json:"id,omitempty"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// handleIndexDocument chunks a long text into items sharing a source id.
func (s *Server) handleIndexDocument(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		s.respondError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "document ingest not enabled")
		return
	}
	var req documentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.fail(w, models.InvalidArgumentf("invalid request body: %v", err))
		return
	}
	id, items, err := s.indexer.IndexText(r.Context(), req.ID, req.Text, req.Metadata)
	if err != nil {
		s.fail(w, err)
		return
	}
	ids := make([]string, len(items))
	embedded := 0
	for i, it := range items {
		ids[i] = it.ID
		if it.HasVector() {
			embedded++
		}
	}
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"sourceId": id,
		"itemIds":  ids,
		"embedded": embedded,
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if s.indexer == nil {
		s.respondError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "document ingest not enabled")
		return
	}
	n, err := s.indexer.RemoveSource(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if n == 0 {
		s.fail(w, models.ErrNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleClusters(w http.ResponseWriter, r *http.Request) {
	set := s.engine.Clusters().Current()
	if set == nil {
		s.respondError(w, http.StatusNotFound, models.ErrorCode(models.ErrNotFound), "no clustering has run yet")
		return
	}
	s.respondJSON(w, http.StatusOK, set)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"providers": s.engine.Chain().Status()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	*search.Status
	DiskUsageBytes int64 `json:"disk_usage_bytes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	sc := s.config.Storage
	usage, err := storage.DiskUsageBytes(sc.DatabasePath, sc.BleveIndexPath, sc.MemorySnapshotPath, sc.ClusterStorePath)
	if err != nil {
		s.logger.Warn("disk usage failed", zap.Error(err))
	}
	s.respondJSON(w, http.StatusOK, statusResponse{Status: st, DiskUsageBytes: usage})
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "watch not enabled")
		return
	}
	var req watchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		s.fail(w, models.InvalidArgumentf("path is required"))
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.fail(w, models.InvalidArgumentf("invalid path: %v", err))
		return
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.respondError(w, http.StatusNotFound, models.ErrorCode(models.ErrNotFound), "directory not found")
		return
	case err != nil:
		s.fail(w, err)
		return
	case !info.IsDir():
		s.fail(w, models.InvalidArgumentf("%s is not a directory", abs))
		return
	}
	syncExisting := req.Sync == nil || *req.Sync
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.fail(w, err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "watch not enabled")
		return
	}
	p := r.URL.Query().Get("path")
	if p == "" {
		var req watchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			p = req.Path
		}
	}
	if p == "" {
		s.fail(w, models.InvalidArgumentf("path is required (query or body)"))
		return
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		s.fail(w, models.InvalidArgumentf("invalid path: %v", err))
		return
	}
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.fail(w, err)
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatchDirectories writes the watched roots back to the config file.
func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Ingest.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch directories", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, map[string]string{"error": message, "code": code})
}

// fail maps err onto its HTTP status. Internal errors are logged and not echoed.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := models.HTTPStatus(err)
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timed out"
	case status == http.StatusInternalServerError:
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	s.respondError(w, status, models.ErrorCode(err), msg)
}
