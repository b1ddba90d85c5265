// Package inference implements fallback-aware scoring: a primary model, an
// optional fallback model, and a heuristic of last resort, with exactly one
// audit record per call whichever tier served it.
package inference

import (
	"context"
)

// Serving tiers, in degradation order.
const (
	TierPrimary   = "primary"
	TierFallback  = "fallback_model"
	TierHeuristic = "heuristic"
)

// HeuristicVersion is the version recorded when the heuristic tier serves a
// call. It is a sentinel, never a registry version.
const HeuristicVersion = "fallback"

// Prediction is the result of scoring one input.
type Prediction struct {
	Score      float64
	Confidence *float64
}

// Engine scores property condition from an input artifact. Implementations
// must be safe for concurrent use.
type Engine interface {
	Predict(ctx context.Context, inputPath string) (Prediction, error)
}

// EngineLoader materializes an Engine from an archived model artifact.
type EngineLoader interface {
	Load(ctx context.Context, artifactPath string) (Engine, error)
}

// EngineLoaderFunc adapts a function to the EngineLoader interface.
type EngineLoaderFunc func(ctx context.Context, artifactPath string) (Engine, error)

// Load implements EngineLoader.
func (f EngineLoaderFunc) Load(ctx context.Context, artifactPath string) (Engine, error) {
	return f(ctx, artifactPath)
}
