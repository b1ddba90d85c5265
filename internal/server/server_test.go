package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrafusion/condserve/internal/artifacts"
	"github.com/terrafusion/condserve/internal/audit"
	"github.com/terrafusion/condserve/internal/deployment"
	"github.com/terrafusion/condserve/internal/drift"
	"github.com/terrafusion/condserve/internal/inference"
	"github.com/terrafusion/condserve/internal/registry"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	store, err := artifacts.NewLocalStore(&artifacts.LocalStoreConfig{
		ArchiveDir: filepath.Join(dir, "archive"),
	}, nil)
	require.NoError(t, err)

	reg, err := registry.NewRegistry(&registry.Config{
		CatalogPath: filepath.Join(dir, "model_registry.json"),
	}, store, nil)
	require.NoError(t, err)

	events, err := deployment.NewEventLog(filepath.Join(dir, "events.csv"), nil)
	require.NoError(t, err)

	tracker, err := deployment.NewTracker(&deployment.TrackerConfig{
		StatusPath: filepath.Join(dir, "status.json"),
	}, events, reg, nil)
	require.NoError(t, err)

	trail, err := audit.NewTrail(filepath.Join(dir, "audit.csv"), nil)
	require.NoError(t, err)

	monitor, err := drift.NewMonitor(&drift.Config{
		FeedbackPath: filepath.Join(dir, "feedback.csv"),
		DriftPath:    filepath.Join(dir, "drift.csv"),
	}, nil)
	require.NoError(t, err)

	svc, err := inference.NewService(nil, reg, tracker, events, trail,
		inference.NewParamLoader(), nil, nil)
	require.NoError(t, err)

	config := NewDefaultConfig()
	config.UploadDir = filepath.Join(dir, "uploads")

	srv, err := NewServer(config, &Services{
		Registry:  reg,
		Tracker:   tracker,
		Events:    events,
		Inference: svc,
		Trail:     trail,
		Drift:     monitor,
	}, nil)
	require.NoError(t, err)

	return srv, dir
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func registerTestVersion(t *testing.T, srv *Server, dir, ver string) {
	t.Helper()
	artifact := filepath.Join(dir, "model-"+ver+".json")
	require.NoError(t, os.WriteFile(artifact,
		[]byte(`{"brightness_weight":0.0098,"contrast_weight":0.03125,"contrast_cap":80}`), 0o644))

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/models/condition_model/versions", map[string]interface{}{
		"artifact_path": artifact,
		"version":       ver,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "condition_model", health["model"])

	rec = doJSON(t, srv, http.MethodGet, "/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var versionResp map[string]string
	decode(t, rec, &versionResp)
	assert.NotEmpty(t, versionResp["version"])
	assert.NotEmpty(t, versionResp["go_version"])
	assert.NotEmpty(t, versionResp["platform"])
}

func TestRegistryEndpoints(t *testing.T) {
	srv, dir := newTestServer(t)

	registerTestVersion(t, srv, dir, "1.0.0")
	registerTestVersion(t, srv, dir, "1.1.0")

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var modelsResp struct {
		Models []string `json:"models"`
	}
	decode(t, rec, &modelsResp)
	assert.Equal(t, []string{"condition_model"}, modelsResp.Models)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/models/condition_model/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versionsResp struct {
		Versions []string `json:"versions"`
	}
	decode(t, rec, &versionsResp)
	assert.Equal(t, []string{"1.0.0", "1.1.0"}, versionsResp.Versions)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/models/condition_model/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var currentResp struct {
		Version string `json:"version"`
	}
	decode(t, rec, &currentResp)
	assert.Equal(t, "1.1.0", currentResp.Version)

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/models/condition_model/current",
		map[string]string{"version": "1.0.0"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/models/unknown/current", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeploymentEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/deployments",
		map[string]string{"model": "condition_model", "version": "1.1.0"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodPut, "/api/v1/deployments/fallback",
		map[string]interface{}{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/deployments/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		CurrentDeployment struct {
			Version string `json:"version"`
		} `json:"current_deployment"`
		FallbackEnabled bool `json:"fallback_enabled"`
	}
	decode(t, rec, &status)
	assert.Equal(t, "1.1.0", status.CurrentDeployment.Version)
	assert.True(t, status.FallbackEnabled)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/deployments/rollback",
		map[string]string{"model": "condition_model", "version": "1.0.0", "reason": "regression"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/deployments/events?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var eventsResp struct {
		Events []struct {
			EventType string `json:"event_type"`
		} `json:"events"`
	}
	decode(t, rec, &eventsResp)
	require.NotEmpty(t, eventsResp.Events)
	assert.Equal(t, "rollback", eventsResp.Events[0].EventType)
}

func TestScoreEndpoint(t *testing.T) {
	srv, dir := newTestServer(t)

	registerTestVersion(t, srv, dir, "1.0.0")
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/deployments",
		map[string]string{"model": "condition_model", "version": "1.0.0"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "property.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte("image bytes with enough variance 0123456789abcdef"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/score", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp := httptest.NewRecorder()
	srv.Router().ServeHTTP(resp, req)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	var result struct {
		Score        float64 `json:"score"`
		Tier         string  `json:"tier"`
		ModelVersion string  `json:"model_version"`
		FallbackUsed bool    `json:"fallback_used"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.Equal(t, "primary", result.Tier)
	assert.Equal(t, "1.0.0", result.ModelVersion)
	assert.False(t, result.FallbackUsed)
	assert.GreaterOrEqual(t, result.Score, 1.0)
	assert.LessOrEqual(t, result.Score, 5.0)

	// The call landed in the audit trail.
	rec = doJSON(t, srv, http.MethodGet, "/api/v1/audit/records?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records struct {
		Records []struct {
			ModelVersion string `json:"model_version"`
		} `json:"records"`
	}
	decode(t, rec, &records)
	require.Len(t, records.Records, 1)
	assert.Equal(t, "1.0.0", records.Records[0].ModelVersion)
}

func TestFeedbackAndDriftEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/feedback", map[string]interface{}{
		"filename":      "property.jpg",
		"ai_score":      3.5,
		"user_score":    4.2,
		"model_version": "1.0.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var feedback struct {
		Logged    bool `json:"logged"`
		Agreement bool `json:"agreement"`
	}
	decode(t, rec, &feedback)
	assert.True(t, feedback.Logged)
	assert.False(t, feedback.Agreement)

	// Out-of-range user score is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/feedback", map[string]interface{}{
		"filename":   "property.jpg",
		"ai_score":   3.5,
		"user_score": 5.5,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/drift/recompute", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/drift/trends?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trends struct {
		OverallStats struct {
			TotalSamples int `json:"total_samples"`
		} `json:"overall_stats"`
	}
	decode(t, rec, &trends)
	assert.Equal(t, 1, trends.OverallStats.TotalSamples)
}

func TestAuditStatsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/audit/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		TotalCount int `json:"total_count"`
	}
	decode(t, rec, &stats)
	assert.Zero(t, stats.TotalCount)
}
