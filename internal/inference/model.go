package inference

import (
	"context"
	"encoding/json"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"

	"github.com/terrafusion/condserve/pkg/errors"
)

// ModelParams is the serialized form of a condition model artifact: a linear
// scorer over the input's brightness and contrast statistics. Registered
// artifacts are JSON files of this shape.
type ModelParams struct {
	BrightnessWeight float64 `json:"brightness_weight"`
	ContrastWeight   float64 `json:"contrast_weight"`
	ContrastCap      float64 `json:"contrast_cap"`
	Bias             float64 `json:"bias"`
	Confidence       float64 `json:"confidence"`
}

// ParamEngine scores inputs with loaded model parameters.
type ParamEngine struct {
	params ModelParams
}

// Predict scores the input with the loaded parameters, clamped to [1.0, 5.0].
func (e *ParamEngine) Predict(ctx context.Context, inputPath string) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return Prediction{}, errors.WrapError(err, errors.ErrorTypeScoring, errors.CodePredictionFailed,
			"failed to read scoring input")
	}
	if len(data) == 0 {
		return Prediction{}, errors.NewScoringError(errors.CodePredictionFailed, "scoring input is empty")
	}

	values := make([]float64, len(data))
	for i, b := range data {
		values[i] = float64(b)
	}
	brightness := stat.Mean(values, nil)
	contrast := math.Sqrt(stat.PopVariance(values, nil))
	if e.params.ContrastCap > 0 {
		contrast = math.Min(contrast, e.params.ContrastCap)
	}

	score := e.params.Bias + brightness*e.params.BrightnessWeight + contrast*e.params.ContrastWeight
	score = math.Max(1.0, math.Min(5.0, score))

	pred := Prediction{Score: score}
	if e.params.Confidence > 0 {
		c := e.params.Confidence
		pred.Confidence = &c
	}
	return pred, nil
}

// ParamLoader loads ParamEngine artifacts from archived JSON files.
type ParamLoader struct{}

// NewParamLoader returns the JSON model loader.
func NewParamLoader() *ParamLoader {
	return &ParamLoader{}
}

// Load reads and validates a model artifact.
func (l *ParamLoader) Load(ctx context.Context, artifactPath string) (Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeScoring, errors.CodeLoadFailed,
			"failed to read model artifact")
	}

	var params ModelParams
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeScoring, errors.CodeLoadFailed,
			"model artifact is not a valid parameter file")
	}
	if params.BrightnessWeight == 0 && params.ContrastWeight == 0 && params.Bias == 0 {
		return nil, errors.NewScoringError(errors.CodeLoadFailed, "model artifact carries no parameters")
	}
	return &ParamEngine{params: params}, nil
}
