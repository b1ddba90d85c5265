// Package server exposes the control plane over HTTP: scoring, feedback,
// registry operations, deployment transitions, audit queries, and drift
// analysis.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/internal/audit"
	"github.com/terrafusion/condserve/internal/deployment"
	"github.com/terrafusion/condserve/internal/drift"
	"github.com/terrafusion/condserve/internal/inference"
	"github.com/terrafusion/condserve/internal/observability"
	"github.com/terrafusion/condserve/internal/registry"
	"github.com/terrafusion/condserve/pkg/errors"
)

// Services aggregates the control plane components the server routes to.
type Services struct {
	Registry  *registry.Registry
	Tracker   *deployment.Tracker
	Events    *deployment.EventLog
	Inference *inference.Service
	Trail     *audit.Trail
	Drift     *drift.Monitor
	Metrics   *observability.Metrics
}

// Server is the HTTP front end of the control plane.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	services   *Services
	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates the HTTP server and wires its routes.
func NewServer(config *Config, services *Services, logger *logrus.Logger) (*Server, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if services == nil || services.Registry == nil || services.Tracker == nil ||
		services.Inference == nil || services.Trail == nil || services.Drift == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "all control plane services are required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(config.UploadDir, 0o755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeConfiguration, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create upload directory %s", config.UploadDir))
	}

	s := &Server{
		config:   config,
		logger:   logger,
		services: services,
		router:   mux.NewRouter(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.services.Metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/score", s.handleScore).Methods(http.MethodPost)
	api.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)

	api.HandleFunc("/models", s.handleListModels).Methods(http.MethodGet)
	api.HandleFunc("/models/{name}/versions", s.handleRegisterVersion).Methods(http.MethodPost)
	api.HandleFunc("/models/{name}/versions", s.handleListVersions).Methods(http.MethodGet)
	api.HandleFunc("/models/{name}/current", s.handleGetCurrent).Methods(http.MethodGet)
	api.HandleFunc("/models/{name}/current", s.handleSetCurrent).Methods(http.MethodPut)
	api.HandleFunc("/models/{name}/compare", s.handleCompare).Methods(http.MethodGet)

	api.HandleFunc("/deployments", s.handleDeploy).Methods(http.MethodPost)
	api.HandleFunc("/deployments/rollback", s.handleRollback).Methods(http.MethodPost)
	api.HandleFunc("/deployments/fallback", s.handleSetFallback).Methods(http.MethodPut)
	api.HandleFunc("/deployments/status", s.handleDeploymentStatus).Methods(http.MethodGet)
	api.HandleFunc("/deployments/events", s.handleDeploymentEvents).Methods(http.MethodGet)

	api.HandleFunc("/audit/records", s.handleAuditRecords).Methods(http.MethodGet)
	api.HandleFunc("/audit/stats", s.handleAuditStats).Methods(http.MethodGet)
	api.HandleFunc("/audit/versions", s.handleAuditVersions).Methods(http.MethodGet)
	api.HandleFunc("/audit/by-date", s.handleAuditByDate).Methods(http.MethodGet)

	api.HandleFunc("/drift/recompute", s.handleDriftRecompute).Methods(http.MethodPost)
	api.HandleFunc("/drift/aggregates", s.handleDriftAggregates).Methods(http.MethodGet)
	api.HandleFunc("/drift/trends", s.handleDriftTrends).Methods(http.MethodGet)
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.WrapError(err, errors.ErrorTypeInternal, errors.CodeWriteFailed,
			"HTTP server failed")
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the route table for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
