package deployment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

// historyLimit bounds the deployment history ring; every update truncates to
// the most recent entries.
const historyLimit = 10

// TrackerConfig contains configuration for the deployment status tracker.
type TrackerConfig struct {
	StatusPath   string `json:"status_path" yaml:"status_path"`
	DefaultModel string `json:"default_model" yaml:"default_model"`
}

// NewDefaultTrackerConfig returns the tracker defaults.
func NewDefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{DefaultModel: "condition_model"}
}

// VersionValidator lets the tracker sanity-check fallback versions against
// the registry. The check is advisory: the tracker tolerates versions the
// registry does not know, because the registry can be rebuilt independently.
type VersionValidator interface {
	HasVersion(modelName, version string) bool
}

// Tracker owns the deployment status: the current deployment, the fallback
// configuration, and the bounded history. It is an explicit injected service
// holding an in-memory cache over a persistence file; callers share one
// instance rather than re-reading the file per call.
type Tracker struct {
	config    *TrackerConfig
	logger    *logrus.Logger
	events    *EventLog
	validator VersionValidator

	mu     sync.Mutex
	status *models.DeploymentStatus
}

// NewTracker creates a tracker backed by the status file at
// config.StatusPath. An existing file is loaded; otherwise a default status
// is created lazily and persisted. validator may be nil.
func NewTracker(config *TrackerConfig, events *EventLog, validator VersionValidator, logger *logrus.Logger) (*Tracker, error) {
	if config == nil || config.StatusPath == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "status_path is required")
	}
	if events == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "event log is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "condition_model"
	}
	if logger == nil {
		logger = logrus.New()
	}

	t := &Tracker{config: config, logger: logger, events: events, validator: validator}

	status, loaded, err := t.loadStatus()
	if err != nil {
		return nil, err
	}
	t.status = status
	if !loaded {
		if err := t.persistLocked(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tracker) loadStatus() (*models.DeploymentStatus, bool, error) {
	data, err := os.ReadFile(t.config.StatusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return t.defaultStatus(), false, nil
		}
		return nil, false, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to read deployment status %s", t.config.StatusPath))
	}

	var status models.DeploymentStatus
	if err := json.Unmarshal(data, &status); err != nil {
		t.logger.WithError(err).Warn("Deployment status file unreadable, recreating defaults")
		return t.defaultStatus(), false, nil
	}
	if status.DeploymentHistory == nil {
		status.DeploymentHistory = []models.DeploymentRecord{}
	}
	return &status, true, nil
}

func (t *Tracker) defaultStatus() *models.DeploymentStatus {
	return &models.DeploymentStatus{
		CurrentDeployment: models.DeploymentRecord{
			Model:     t.config.DefaultModel,
			Version:   "1.0.0",
			Timestamp: models.Now(),
			Status:    models.DeploymentActive,
		},
		FallbackEnabled:   false,
		FallbackVersion:   nil,
		DeploymentHistory: []models.DeploymentRecord{},
	}
}

// persistLocked writes the status atomically. Must be called with t.mu held
// (or before the tracker is shared).
func (t *Tracker) persistLocked() error {
	t.status.LastUpdated = models.Now()

	data, err := json.MarshalIndent(t.status, "", "  ")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to marshal deployment status")
	}

	dir := filepath.Dir(t.config.StatusPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create status directory %s", dir))
	}

	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to create status temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to write deployment status")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to sync deployment status")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to close status temp file")
	}
	if err := os.Rename(tmpName, t.config.StatusPath); err != nil {
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to replace deployment status %s", t.config.StatusPath))
	}
	return nil
}

// transition replaces the current deployment, pushing the prior one onto the
// history ring as superseded. The lifecycle event is appended first; the
// status mutation is not considered complete until the event is durable.
func (t *Tracker) transition(eventType models.EventType, model, version, message string, metadata map[string]interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.events.Append(models.DeploymentEvent{
		EventType: eventType,
		Model:     model,
		Version:   version,
		Message:   message,
		Metadata:  metadata,
	}); err != nil {
		return err
	}

	prior := t.status.CurrentDeployment
	prior.Status = models.DeploymentSuperseded
	t.status.DeploymentHistory = append([]models.DeploymentRecord{prior}, t.status.DeploymentHistory...)
	if len(t.status.DeploymentHistory) > historyLimit {
		t.status.DeploymentHistory = t.status.DeploymentHistory[:historyLimit]
	}

	t.status.CurrentDeployment = models.DeploymentRecord{
		Model:     model,
		Version:   version,
		Timestamp: models.Now(),
		Status:    models.DeploymentActive,
	}

	return t.persistLocked()
}

// Deploy makes a model version the current deployment.
func (t *Tracker) Deploy(model, version string) error {
	return t.transition(models.EventDeployment, model, version,
		fmt.Sprintf("Model v%s deployed", version), nil)
}

// Rollback re-deploys a prior version, recorded as a rollback event so the
// audit trail distinguishes it from a regular deployment.
func (t *Tracker) Rollback(model, version, reason string) error {
	message := fmt.Sprintf("Rolled back to v%s", version)
	metadata := map[string]interface{}{}
	if reason != "" {
		metadata["reason"] = reason
	}
	return t.transition(models.EventRollback, model, version, message, metadata)
}

// SetFallback configures the fallback behavior. It mutates configuration
// only; the current deployment is untouched. A fallback version the registry
// does not know is accepted with a warning.
func (t *Tracker) SetFallback(enabled bool, fallbackVersion *string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fallbackVersion != nil && t.validator != nil {
		if !t.validator.HasVersion(t.status.CurrentDeployment.Model, *fallbackVersion) {
			t.logger.WithFields(logrus.Fields{
				"model":   t.status.CurrentDeployment.Model,
				"version": *fallbackVersion,
			}).Warn("Fallback version not found in model registry, proceeding anyway")
		}
	}

	message := "Fallback disabled"
	if enabled {
		message = "Fallback enabled"
		if fallbackVersion != nil {
			message = fmt.Sprintf("Fallback enabled to version %s", *fallbackVersion)
		}
	}
	metadata := map[string]interface{}{"fallback_enabled": enabled}
	if fallbackVersion != nil {
		metadata["fallback_version"] = *fallbackVersion
	}

	if err := t.events.Append(models.DeploymentEvent{
		EventType: models.EventConfigChange,
		Model:     t.status.CurrentDeployment.Model,
		Version:   t.status.CurrentDeployment.Version,
		Message:   message,
		Metadata:  metadata,
	}); err != nil {
		return err
	}

	t.status.FallbackEnabled = enabled
	t.status.FallbackVersion = fallbackVersion

	return t.persistLocked()
}

// ResolveFallbackVersion returns the version the inference service should
// fall back to. Disabled fallback resolves to none; an explicit configured
// version wins; otherwise the most recent history entry, i.e. whatever was
// current before the current deployment.
func (t *Tracker) ResolveFallbackVersion() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.status.FallbackEnabled {
		return "", false
	}
	if t.status.FallbackVersion != nil {
		return *t.status.FallbackVersion, true
	}
	if len(t.status.DeploymentHistory) > 0 {
		return t.status.DeploymentHistory[0].Version, true
	}
	return "", false
}

// CurrentDeployment returns a copy of the current deployment record.
func (t *Tracker) CurrentDeployment() models.DeploymentRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status.CurrentDeployment
}

// Status returns a copy of the full deployment status.
func (t *Tracker) Status() models.DeploymentStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := *t.status
	out.DeploymentHistory = make([]models.DeploymentRecord, len(t.status.DeploymentHistory))
	copy(out.DeploymentHistory, t.status.DeploymentHistory)
	if t.status.FallbackVersion != nil {
		v := *t.status.FallbackVersion
		out.FallbackVersion = &v
	}
	return out
}

// Events exposes the underlying event log for components that report
// lifecycle errors and recoveries.
func (t *Tracker) Events() *EventLog {
	return t.events
}
