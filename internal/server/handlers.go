package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/terrafusion/condserve/internal/registry"
	"github.com/terrafusion/condserve/pkg/errors"
)

// Build information, set at link time by the release build.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	payload := map[string]interface{}{"error": err.Error()}
	if appErr, ok := err.(*errors.AppError); ok {
		status = appErr.HTTPStatus
		payload = map[string]interface{}{
			"error": appErr.Message,
			"type":  string(appErr.Type),
			"code":  appErr.Code,
		}
	}
	s.writeJSON(w, status, payload)
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "invalid JSON request body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	current := s.services.Tracker.CurrentDeployment()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"model":   current.Model,
		"version": current.Version,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	})
}

// handleScore accepts a multipart upload, persists it under the upload
// directory, and runs the scoring ladder over it.
func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		s.writeError(w, errors.NewValidationError(errors.CodeInvalidInput, "invalid multipart upload"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, errors.NewValidationError(errors.CodeMissingField, "file field is required"))
		return
	}
	defer file.Close()

	name := fmt.Sprintf("%s_%s", uuid.New().String(), filepath.Base(header.Filename))
	inputPath := filepath.Join(s.config.UploadDir, name)
	out, err := os.Create(inputPath)
	if err != nil {
		s.writeError(w, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to store upload"))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		os.Remove(inputPath)
		s.writeError(w, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to store upload"))
		return
	}
	out.Close()

	result, err := s.services.Inference.Score(r.Context(), inputPath, r.FormValue("user_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Filename     string  `json:"filename"`
		AIScore      float64 `json:"ai_score"`
		UserScore    float64 `json:"user_score"`
		ModelVersion string  `json:"model_version"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.UserScore < 1.0 || req.UserScore > 5.0 {
		s.writeError(w, errors.NewValidationError(errors.CodeOutOfRange, "user_score must be in [1.0, 5.0]"))
		return
	}

	result, err := s.services.Drift.RecordFeedback(req.Filename, req.AIScore, req.UserScore, req.ModelVersion)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.services.Metrics.ObserveFeedback(result.Agreement)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"models": s.services.Registry.ListModels()})
}

func (s *Server) handleRegisterVersion(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req struct {
		ArtifactPath string                 `json:"artifact_path"`
		Version      string                 `json:"version"`
		Metrics      map[string]interface{} `json:"metrics"`
		Description  string                 `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ArtifactPath == "" {
		s.writeError(w, errors.NewValidationError(errors.CodeMissingField, "artifact_path is required"))
		return
	}

	ver, archivedPath, err := s.services.Registry.RegisterVersion(r.Context(), name, req.ArtifactPath, registry.RegisterOptions{
		Version:     req.Version,
		Metrics:     req.Metrics,
		Description: req.Description,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{
		"model":         name,
		"version":       ver,
		"archived_path": archivedPath,
	})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	versions, err := s.services.Registry.ListVersions(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"model": name, "versions": versions})
}

func (s *Server) handleGetCurrent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	current, err := s.services.Registry.GetCurrentVersion(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	record, err := s.services.Registry.GetVersionRecord(name, current)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":   name,
		"version": current,
		"record":  record,
	})
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	var req struct {
		Version string `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.services.Registry.SetCurrentVersion(name, req.Version); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"model": name, "version": req.Version})
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	v1 := r.URL.Query().Get("v1")
	v2 := r.URL.Query().Get("v2")
	if v1 == "" || v2 == "" {
		s.writeError(w, errors.NewValidationError(errors.CodeMissingField, "v1 and v2 query parameters are required"))
		return
	}

	comparison, err := s.services.Registry.CompareVersions(name, v1, v2)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"model":      name,
		"v1":         v1,
		"v2":         v2,
		"comparison": comparison,
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model   string `json:"model"`
		Version string `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Model == "" || req.Version == "" {
		s.writeError(w, errors.NewValidationError(errors.CodeMissingField, "model and version are required"))
		return
	}
	if err := s.services.Tracker.Deploy(req.Model, req.Version); err != nil {
		s.writeError(w, err)
		return
	}
	s.services.Metrics.ObserveDeploymentEvent("deployment")
	s.services.Inference.DropEngine(req.Version)
	s.writeJSON(w, http.StatusOK, s.services.Tracker.Status())
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model   string `json:"model"`
		Version string `json:"version"`
		Reason  string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Model == "" || req.Version == "" {
		s.writeError(w, errors.NewValidationError(errors.CodeMissingField, "model and version are required"))
		return
	}
	if err := s.services.Tracker.Rollback(req.Model, req.Version, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	s.services.Metrics.ObserveDeploymentEvent("rollback")
	s.writeJSON(w, http.StatusOK, s.services.Tracker.Status())
}

func (s *Server) handleSetFallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool    `json:"enabled"`
		Version *string `json:"version"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.services.Tracker.SetFallback(req.Enabled, req.Version); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.services.Inference.PreloadFallback(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Failed to preload fallback engine")
	}
	s.writeJSON(w, http.StatusOK, s.services.Tracker.Status())
}

func (s *Server) handleDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.services.Tracker.Status())
}

func (s *Server) handleDeploymentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.services.Events.Query(queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleAuditRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.services.Trail.Query(queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.services.Trail.Stats(queryInt(r, "limit", 0))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAuditVersions(w http.ResponseWriter, r *http.Request) {
	perf, err := s.services.Trail.PerVersionPerformance()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"versions": perf})
}

func (s *Server) handleAuditByDate(w http.ResponseWriter, r *http.Request) {
	byDate, err := s.services.Trail.ScoresByDate()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"by_date": byDate})
}

func (s *Server) handleDriftRecompute(w http.ResponseWriter, r *http.Request) {
	if err := s.services.Drift.RecomputeDailyDrift(); err != nil {
		s.services.Metrics.ObserveDriftRecompute("error")
		s.writeError(w, err)
		return
	}
	s.services.Metrics.ObserveDriftRecompute("success")

	aggregates, err := s.services.Drift.LoadAggregates()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"aggregates": aggregates})
}

func (s *Server) handleDriftAggregates(w http.ResponseWriter, r *http.Request) {
	aggregates, err := s.services.Drift.LoadAggregates()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"aggregates": aggregates})
}

func (s *Server) handleDriftTrends(w http.ResponseWriter, r *http.Request) {
	trends, err := s.services.Drift.TrendsOverWindow(queryInt(r, "days", 30))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trends)
}
