package inference

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/internal/audit"
	"github.com/terrafusion/condserve/internal/deployment"
	"github.com/terrafusion/condserve/internal/observability"
	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

// ModelResolver resolves a registered version to its archived artifact path.
// An empty version resolves to the model's current version.
type ModelResolver interface {
	GetArtifactPath(modelName, version string) (string, error)
}

// DeploymentView is the inference service's read-side view of deployment
// state.
type DeploymentView interface {
	CurrentDeployment() models.DeploymentRecord
	ResolveFallbackVersion() (string, bool)
}

// ServiceConfig contains configuration for the inference service.
type ServiceConfig struct {
	PredictTimeout time.Duration `json:"predict_timeout" yaml:"predict_timeout"`
}

// NewDefaultServiceConfig returns the service defaults.
func NewDefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{PredictTimeout: 30 * time.Second}
}

// Result is the outcome of one scoring call.
type Result struct {
	RequestID       string   `json:"request_id"`
	Score           float64  `json:"score"`
	Confidence      *float64 `json:"confidence,omitempty"`
	ModelName       string   `json:"model_name"`
	ModelVersion    string   `json:"model_version"`
	Tier            string   `json:"tier"`
	FallbackUsed    bool     `json:"fallback_used"`
	ExecutionTimeMs float64  `json:"execution_time_ms"`
}

// Service scores inputs through a three-tier degradation ladder: the current
// deployment, then the configured fallback model, then the heuristic. Every
// completed call writes exactly one audit record, whichever tier served it.
type Service struct {
	config      *ServiceConfig
	resolver    ModelResolver
	deployments DeploymentView
	events      *deployment.EventLog
	trail       *audit.Trail
	loader      EngineLoader
	heuristic   Engine
	metrics     *observability.Metrics
	logger      *logrus.Logger

	mu      sync.RWMutex
	engines map[string]Engine
}

// NewService creates the inference service. metrics may be nil.
func NewService(config *ServiceConfig, resolver ModelResolver, deployments DeploymentView, events *deployment.EventLog, trail *audit.Trail, loader EngineLoader, metrics *observability.Metrics, logger *logrus.Logger) (*Service, error) {
	if config == nil {
		config = NewDefaultServiceConfig()
	}
	if config.PredictTimeout <= 0 {
		config.PredictTimeout = 30 * time.Second
	}
	if resolver == nil || deployments == nil || events == nil || trail == nil || loader == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField,
			"resolver, deployments, events, trail and loader are required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		config:      config,
		resolver:    resolver,
		deployments: deployments,
		events:      events,
		trail:       trail,
		loader:      loader,
		heuristic:   NewHeuristicEngine(),
		metrics:     metrics,
		logger:      logger,
		engines:     make(map[string]Engine),
	}, nil
}

// PreloadFallback resolves and loads the fallback engine ahead of time so the
// fallback tier does not pay a cold load during an incident. Safe to call
// again after the fallback configuration changes; the old engine is swapped
// out only once the new one loads.
func (s *Service) PreloadFallback(ctx context.Context) error {
	version, ok := s.deployments.ResolveFallbackVersion()
	if !ok {
		return nil
	}
	current := s.deployments.CurrentDeployment()
	_, err := s.engineFor(ctx, current.Model, version)
	return err
}

// engineFor returns a cached engine for the version, loading it on first use.
func (s *Service) engineFor(ctx context.Context, model, version string) (Engine, error) {
	s.mu.RLock()
	engine, ok := s.engines[version]
	s.mu.RUnlock()
	if ok {
		return engine, nil
	}

	artifactPath, err := s.resolver.GetArtifactPath(model, version)
	if err != nil {
		return nil, err
	}

	engine, err = s.loader.Load(ctx, artifactPath)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeScoring, errors.CodeLoadFailed,
			fmt.Sprintf("failed to load model %s v%s", model, version))
	}

	s.mu.Lock()
	if cached, ok := s.engines[version]; ok {
		engine = cached
	} else {
		s.engines[version] = engine
	}
	s.mu.Unlock()
	return engine, nil
}

// DropEngine evicts a cached engine, forcing a reload on next use. Called
// after a version's artifact is replaced or a fallback is reconfigured.
func (s *Service) DropEngine(version string) {
	s.mu.Lock()
	delete(s.engines, version)
	s.mu.Unlock()
}

// Score runs the degradation ladder over the input and records the result in
// the audit trail. A canceled context aborts without an audit record; the
// call did not complete, so nothing is attested.
func (s *Service) Score(ctx context.Context, inputPath, userID string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeScoring, errors.CodePredictionFailed,
			"scoring aborted before start")
	}

	start := time.Now()
	requestID := uuid.New().String()
	current := s.deployments.CurrentDeployment()

	log := s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"model":      current.Model,
		"version":    current.Version,
		"input":      filepath.Base(inputPath),
	})

	pred, tier, version, tierErr := s.scoreLadder(ctx, log, current, inputPath)
	if tierErr != nil {
		return nil, tierErr
	}

	elapsed := time.Since(start)
	execMs := float64(elapsed.Microseconds()) / 1000.0
	fallbackUsed := tier != TierPrimary

	result := &Result{
		RequestID:       requestID,
		Score:           pred.Score,
		Confidence:      pred.Confidence,
		ModelName:       current.Model,
		ModelVersion:    version,
		Tier:            tier,
		FallbackUsed:    fallbackUsed,
		ExecutionTimeMs: execMs,
	}

	record := models.InferenceRecord{
		Filename:        filepath.Base(inputPath),
		ModelName:       current.Model,
		ModelVersion:    version,
		Score:           pred.Score,
		Confidence:      pred.Confidence,
		ExecutionTimeMs: &execMs,
		FallbackUsed:    fallbackUsed,
		UserID:          userID,
		Metadata:        map[string]interface{}{"request_id": requestID, "tier": tier},
	}
	if err := s.trail.Append(record); err != nil {
		log.WithError(err).Error("Failed to append inference audit record")
		return nil, err
	}

	s.metrics.ObserveInference(tier, version, elapsed.Seconds(), pred.Score, fallbackUsed)
	log.WithFields(logrus.Fields{"tier": tier, "score": pred.Score}).Info("Inference served")
	return result, nil
}

// scoreLadder walks the tiers in order, recording error and recovery events
// as it degrades. It returns an error only on context cancellation; the
// heuristic tier otherwise always answers.
//
// The fallback version is re-resolved on every degraded call rather than
// pinned once at startup, so an operator's fallback change takes effect
// without a restart. The expensive part, loading the engine, stays amortized
// through the cache and PreloadFallback.
func (s *Service) scoreLadder(ctx context.Context, log *logrus.Entry, current models.DeploymentRecord, inputPath string) (Prediction, string, string, error) {
	pred, err := s.tryTier(ctx, current.Model, current.Version, inputPath)
	if err == nil {
		return pred, TierPrimary, current.Version, nil
	}
	if ctx.Err() != nil {
		return Prediction{}, "", "", errors.WrapError(ctx.Err(), errors.ErrorTypeScoring,
			errors.CodePredictionFailed, "scoring canceled")
	}

	log.WithError(err).Warn("Primary model failed, degrading")
	s.appendEvent(models.EventError, current.Model, current.Version,
		fmt.Sprintf("Primary inference failed: %v", err), nil)

	if fbVersion, ok := s.deployments.ResolveFallbackVersion(); ok && fbVersion != current.Version {
		pred, err = s.tryTier(ctx, current.Model, fbVersion, inputPath)
		if err == nil {
			s.appendEvent(models.EventRecovery, current.Model, fbVersion,
				fmt.Sprintf("Recovered via fallback model v%s", fbVersion),
				map[string]interface{}{"tier": TierFallback})
			return pred, TierFallback, fbVersion, nil
		}
		if ctx.Err() != nil {
			return Prediction{}, "", "", errors.WrapError(ctx.Err(), errors.ErrorTypeScoring,
				errors.CodePredictionFailed, "scoring canceled")
		}
		log.WithError(err).WithField("fallback_version", fbVersion).Warn("Fallback model failed, degrading")
		s.appendEvent(models.EventError, current.Model, fbVersion,
			fmt.Sprintf("Fallback inference failed: %v", err), nil)
	}

	pred, _ = s.heuristic.Predict(ctx, inputPath)
	if ctx.Err() != nil {
		return Prediction{}, "", "", errors.WrapError(ctx.Err(), errors.ErrorTypeScoring,
			errors.CodePredictionFailed, "scoring canceled")
	}
	s.appendEvent(models.EventRecovery, current.Model, HeuristicVersion,
		"Recovered via heuristic scoring", map[string]interface{}{"tier": TierHeuristic})
	return pred, TierHeuristic, HeuristicVersion, nil
}

// tryTier loads and runs one model tier under the predict timeout.
func (s *Service) tryTier(ctx context.Context, model, version, inputPath string) (Prediction, error) {
	engine, err := s.engineFor(ctx, model, version)
	if err != nil {
		return Prediction{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.config.PredictTimeout)
	defer cancel()

	pred, err := engine.Predict(pctx, inputPath)
	if err != nil {
		return Prediction{}, errors.WrapError(err, errors.ErrorTypeScoring, errors.CodePredictionFailed,
			fmt.Sprintf("prediction failed for %s v%s", model, version))
	}
	return pred, nil
}

// appendEvent logs ladder events best-effort. A failed event append must not
// turn a served inference into an error.
func (s *Service) appendEvent(eventType models.EventType, model, version, message string, metadata map[string]interface{}) {
	if err := s.events.Append(models.DeploymentEvent{
		EventType: eventType,
		Model:     model,
		Version:   version,
		Message:   message,
		Metadata:  metadata,
	}); err != nil {
		s.logger.WithError(err).Error("Failed to append lifecycle event")
	}
	s.metrics.ObserveDeploymentEvent(string(eventType))
}
