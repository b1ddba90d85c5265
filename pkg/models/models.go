// Package models contains the shared record types persisted and exchanged by
// the registry, deployment tracker, inference service, audit trail, and drift
// monitor.
package models

import (
	"encoding/json"
	"math"
	"time"
)

// ModelVersionRecord describes one immutable registered model version.
// Artifacts are archived on registration and never overwritten.
type ModelVersionRecord struct {
	FilePath    string                 `json:"file_path"`
	Timestamp   string                 `json:"timestamp"`
	Metrics     map[string]interface{} `json:"metrics"`
	Description string                 `json:"description"`
}

// ModelCatalogEntry is the registry's view of one named model. The
// CurrentVersion key must always be present in Versions.
type ModelCatalogEntry struct {
	CurrentVersion string                        `json:"current_version"`
	Versions       map[string]ModelVersionRecord `json:"versions"`
}

// ModelCatalog is the persisted single source of truth for what models and
// versions exist.
type ModelCatalog struct {
	Models      map[string]*ModelCatalogEntry `json:"models"`
	LastUpdated string                        `json:"last_updated"`
}

// DeploymentRecord is one deployment of a model version.
type DeploymentRecord struct {
	Model     string `json:"model"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

// Deployment statuses.
const (
	DeploymentActive     = "active"
	DeploymentSuperseded = "superseded"
)

// DeploymentStatus is the current/fallback configuration plus a bounded
// history of prior deployments, most-recent-first.
type DeploymentStatus struct {
	CurrentDeployment DeploymentRecord   `json:"current_deployment"`
	FallbackEnabled   bool               `json:"fallback_enabled"`
	FallbackVersion   *string            `json:"fallback_version"`
	DeploymentHistory []DeploymentRecord `json:"deployment_history"`
	LastUpdated       string             `json:"last_updated"`
}

// EventType classifies deployment lifecycle events.
type EventType string

const (
	EventDeployment   EventType = "deployment"
	EventRollback     EventType = "rollback"
	EventError        EventType = "error"
	EventRecovery     EventType = "recovery"
	EventConfigChange EventType = "config_change"
)

// DeploymentEvent is one immutable row in the append-only deployment event
// log. The event log, not DeploymentStatus, is the durable record an operator
// audits after an incident.
type DeploymentEvent struct {
	Timestamp string                 `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Model     string                 `json:"model"`
	Version   string                 `json:"version"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// InferenceRecord is one immutable row in the inference audit trail. Exactly
// one record is written per inference call, whichever tier served it.
type InferenceRecord struct {
	Timestamp       string                 `json:"timestamp"`
	Filename        string                 `json:"filename"`
	ModelName       string                 `json:"model_name"`
	ModelVersion    string                 `json:"model_version"`
	Score           float64                `json:"score"`
	Confidence      *float64               `json:"confidence,omitempty"`
	ExecutionTimeMs *float64               `json:"execution_time_ms,omitempty"`
	FallbackUsed    bool                   `json:"fallback_used"`
	UserID          string                 `json:"user_id,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// FeedbackRecord is one immutable row in the feedback log. Difference is
// userScore - aiScore; positive drift means users rate higher than the model.
type FeedbackRecord struct {
	Timestamp     string  `json:"timestamp"`
	Filename      string  `json:"filename"`
	AIScore       float64 `json:"ai_score"`
	UserScore     float64 `json:"user_score"`
	Difference    float64 `json:"difference"`
	ModelVersion  string  `json:"model_version"`
	AbsDifference float64 `json:"abs_difference"`
}

// DriftDirection classifies the sign of mean drift for a group.
type DriftDirection string

const (
	DriftConservative DriftDirection = "conservative"
	DriftNeutral      DriftDirection = "neutral"
	DriftOptimistic   DriftDirection = "optimistic"
)

// DriftAggregate is one derived per-day, per-version drift row. Aggregates
// are fully recomputable from FeedbackRecords and never the source of truth.
type DriftAggregate struct {
	Date           string         `json:"date"`
	ModelVersion   string         `json:"model_version"`
	MeanDrift      float64        `json:"mean_drift"`
	MedianDrift    float64        `json:"median_drift"`
	StdDrift       float64        `json:"std_drift"`
	SampleCount    int            `json:"sample_count"`
	MaxDrift       float64        `json:"max_drift"`
	MinDrift       float64        `json:"min_drift"`
	DriftDirection DriftDirection `json:"drift_direction"`
}

// MetricComparison compares one metric between two model versions.
// Non-numeric metrics carry "N/A" for Diff and PctChange. PctChange is +Inf
// when the baseline value is exactly zero; that edge is part of the
// comparison contract and must not be clamped.
type MetricComparison struct {
	V1        interface{} `json:"v1"`
	V2        interface{} `json:"v2"`
	Diff      interface{} `json:"diff"`
	PctChange interface{} `json:"pct_change"`
}

// MarshalJSON renders non-finite pct_change values as strings so the
// comparison survives JSON encoding.
func (m MetricComparison) MarshalJSON() ([]byte, error) {
	type alias MetricComparison
	a := alias(m)
	if f, ok := a.PctChange.(float64); ok {
		switch {
		case math.IsInf(f, 1):
			a.PctChange = "Infinity"
		case math.IsInf(f, -1):
			a.PctChange = "-Infinity"
		case math.IsNaN(f):
			a.PctChange = "NaN"
		}
	}
	return json.Marshal(a)
}

// TimestampFormat is the layout used for persisted timestamps.
const TimestampFormat = time.RFC3339

// DateFormat is the layout used for drift aggregate dates and by-date
// groupings.
const DateFormat = "2006-01-02"

// Now returns the current time formatted for persistence.
func Now() string {
	return time.Now().Format(TimestampFormat)
}
