package inference

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrafusion/condserve/internal/audit"
	"github.com/terrafusion/condserve/internal/deployment"
	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

type fakeResolver struct {
	paths map[string]string
}

func (r *fakeResolver) GetArtifactPath(modelName, version string) (string, error) {
	path, ok := r.paths[version]
	if !ok {
		return "", errors.WrapError(errors.ErrVersionNotFound, errors.ErrorTypeRegistry,
			errors.CodeVersionNotFound, "version not found")
	}
	return path, nil
}

type fakeDeployments struct {
	current         models.DeploymentRecord
	fallbackVersion string
}

func (d *fakeDeployments) CurrentDeployment() models.DeploymentRecord {
	return d.current
}

func (d *fakeDeployments) ResolveFallbackVersion() (string, bool) {
	return d.fallbackVersion, d.fallbackVersion != ""
}

type fakeEngine struct {
	score float64
	err   error
}

func (e *fakeEngine) Predict(ctx context.Context, inputPath string) (Prediction, error) {
	if e.err != nil {
		return Prediction{}, e.err
	}
	return Prediction{Score: e.score}, nil
}

type fakeLoader struct {
	engines map[string]Engine
	loads   int
}

func (l *fakeLoader) Load(ctx context.Context, artifactPath string) (Engine, error) {
	l.loads++
	engine, ok := l.engines[artifactPath]
	if !ok {
		return nil, errors.NewScoringError(errors.CodeLoadFailed, "artifact unreadable")
	}
	return engine, nil
}

type serviceFixture struct {
	service *Service
	trail   *audit.Trail
	events  *deployment.EventLog
	loader  *fakeLoader
	input   string
}

func newFixture(t *testing.T, deployments *fakeDeployments, loader *fakeLoader) *serviceFixture {
	t.Helper()
	dir := t.TempDir()

	events, err := deployment.NewEventLog(filepath.Join(dir, "events.csv"), nil)
	require.NoError(t, err)
	trail, err := audit.NewTrail(filepath.Join(dir, "audit.csv"), nil)
	require.NoError(t, err)

	resolver := &fakeResolver{paths: map[string]string{
		"1.2.0": "artifact-1.2.0",
		"1.1.0": "artifact-1.1.0",
	}}

	service, err := NewService(nil, resolver, deployments, events, trail, loader, nil, nil)
	require.NoError(t, err)

	input := filepath.Join(dir, "property.jpg")
	require.NoError(t, os.WriteFile(input, []byte("not really a jpeg"), 0o644))

	return &serviceFixture{service: service, trail: trail, events: events, loader: loader, input: input}
}

func currentDeployment() models.DeploymentRecord {
	return models.DeploymentRecord{
		Model:   "condition_model",
		Version: "1.2.0",
		Status:  models.DeploymentActive,
	}
}

func TestScorePrimary(t *testing.T) {
	fx := newFixture(t,
		&fakeDeployments{current: currentDeployment()},
		&fakeLoader{engines: map[string]Engine{"artifact-1.2.0": &fakeEngine{score: 4.2}}})

	result, err := fx.service.Score(context.Background(), fx.input, "appraiser-1")
	require.NoError(t, err)

	assert.Equal(t, TierPrimary, result.Tier)
	assert.Equal(t, "1.2.0", result.ModelVersion)
	assert.False(t, result.FallbackUsed)
	assert.InDelta(t, 4.2, result.Score, 1e-9)
	assert.NotEmpty(t, result.RequestID)

	records, err := fx.trail.Query(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1.2.0", records[0].ModelVersion)
	assert.False(t, records[0].FallbackUsed)
	assert.Equal(t, "appraiser-1", records[0].UserID)
	require.NotNil(t, records[0].ExecutionTimeMs)

	events, err := fx.events.Query(0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScoreFallsBackToModel(t *testing.T) {
	fx := newFixture(t,
		&fakeDeployments{current: currentDeployment(), fallbackVersion: "1.1.0"},
		&fakeLoader{engines: map[string]Engine{
			"artifact-1.2.0": &fakeEngine{err: errors.NewScoringError(errors.CodePredictionFailed, "boom")},
			"artifact-1.1.0": &fakeEngine{score: 3.7},
		}})

	result, err := fx.service.Score(context.Background(), fx.input, "")
	require.NoError(t, err)

	assert.Equal(t, TierFallback, result.Tier)
	assert.Equal(t, "1.1.0", result.ModelVersion)
	assert.True(t, result.FallbackUsed)
	assert.InDelta(t, 3.7, result.Score, 1e-9)

	// Exactly one audit record, attributed to the tier that served.
	records, err := fx.trail.Query(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1.1.0", records[0].ModelVersion)
	assert.True(t, records[0].FallbackUsed)

	// Error for the primary, recovery for the fallback.
	events, err := fx.events.Query(0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.EventRecovery, events[0].EventType)
	assert.Equal(t, "1.1.0", events[0].Version)
	assert.Equal(t, models.EventError, events[1].EventType)
	assert.Equal(t, "1.2.0", events[1].Version)
}

func TestScoreFallsBackToHeuristic(t *testing.T) {
	// No loadable artifacts at all.
	fx := newFixture(t,
		&fakeDeployments{current: currentDeployment(), fallbackVersion: "1.1.0"},
		&fakeLoader{engines: map[string]Engine{}})

	result, err := fx.service.Score(context.Background(), fx.input, "")
	require.NoError(t, err)

	assert.Equal(t, TierHeuristic, result.Tier)
	assert.Equal(t, HeuristicVersion, result.ModelVersion)
	assert.True(t, result.FallbackUsed)
	assert.GreaterOrEqual(t, result.Score, 1.0)
	assert.LessOrEqual(t, result.Score, 5.0)

	records, err := fx.trail.Query(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, HeuristicVersion, records[0].ModelVersion)
}

func TestScoreHeuristicWithoutFallbackConfigured(t *testing.T) {
	fx := newFixture(t,
		&fakeDeployments{current: currentDeployment()},
		&fakeLoader{engines: map[string]Engine{}})

	result, err := fx.service.Score(context.Background(), fx.input, "")
	require.NoError(t, err)
	assert.Equal(t, TierHeuristic, result.Tier)
}

func TestScoreCanceledContextWritesNoRecord(t *testing.T) {
	fx := newFixture(t,
		&fakeDeployments{current: currentDeployment()},
		&fakeLoader{engines: map[string]Engine{"artifact-1.2.0": &fakeEngine{score: 4.2}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.service.Score(ctx, fx.input, "")
	require.Error(t, err)

	records, err := fx.trail.Query(0)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEngineCache(t *testing.T) {
	loader := &fakeLoader{engines: map[string]Engine{"artifact-1.2.0": &fakeEngine{score: 4.0}}}
	fx := newFixture(t, &fakeDeployments{current: currentDeployment()}, loader)

	for i := 0; i < 3; i++ {
		_, err := fx.service.Score(context.Background(), fx.input, "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, loader.loads)

	fx.service.DropEngine("1.2.0")
	_, err := fx.service.Score(context.Background(), fx.input, "")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.loads)
}

func TestPreloadFallback(t *testing.T) {
	loader := &fakeLoader{engines: map[string]Engine{"artifact-1.1.0": &fakeEngine{score: 3.0}}}
	fx := newFixture(t,
		&fakeDeployments{current: currentDeployment(), fallbackVersion: "1.1.0"}, loader)

	require.NoError(t, fx.service.PreloadFallback(context.Background()))
	assert.Equal(t, 1, loader.loads)

	// Degrading to the fallback does not pay a second load.
	_, err := fx.service.Score(context.Background(), fx.input, "")
	require.NoError(t, err)
	assert.Equal(t, 2, loader.loads) // one failed attempt for the primary
}

func TestFallbackReconfiguredBetweenCalls(t *testing.T) {
	deployments := &fakeDeployments{current: currentDeployment()}
	fx := newFixture(t, deployments,
		&fakeLoader{engines: map[string]Engine{"artifact-1.1.0": &fakeEngine{score: 3.7}}})

	// No fallback configured: degrade straight to the heuristic.
	result, err := fx.service.Score(context.Background(), fx.input, "")
	require.NoError(t, err)
	assert.Equal(t, TierHeuristic, result.Tier)

	// Enabling the fallback takes effect on the next call, no restart needed.
	deployments.fallbackVersion = "1.1.0"
	result, err = fx.service.Score(context.Background(), fx.input, "")
	require.NoError(t, err)
	assert.Equal(t, TierFallback, result.Tier)
	assert.Equal(t, "1.1.0", result.ModelVersion)
}

func TestPreloadFallbackNoopWhenDisabled(t *testing.T) {
	loader := &fakeLoader{engines: map[string]Engine{}}
	fx := newFixture(t, &fakeDeployments{current: currentDeployment()}, loader)

	require.NoError(t, fx.service.PreloadFallback(context.Background()))
	assert.Equal(t, 0, loader.loads)
}
