package inference

import (
	"context"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"
)

// neutralScore is returned when the input cannot be analyzed at all. The
// heuristic tier never fails; a mid-scale score is better than no answer.
const neutralScore = 3.0

// HeuristicEngine is the deterministic scorer of last resort. It derives a
// score from the input's byte statistics: the mean byte value stands in for
// brightness, the standard deviation for contrast. Deterministic for a given
// input, no model artifact required.
type HeuristicEngine struct{}

// NewHeuristicEngine returns the heuristic scorer.
func NewHeuristicEngine() *HeuristicEngine {
	return &HeuristicEngine{}
}

// Predict scores the input from its byte statistics, clamped to [1.0, 5.0].
// Unreadable or empty inputs score neutral; Predict never returns an error.
func (h *HeuristicEngine) Predict(ctx context.Context, inputPath string) (Prediction, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil || len(data) == 0 {
		return Prediction{Score: neutralScore}, nil
	}

	values := make([]float64, len(data))
	for i, b := range data {
		values[i] = float64(b)
	}

	brightness := stat.Mean(values, nil)
	contrast := math.Sqrt(stat.PopVariance(values, nil))

	score := brightness/255.0*2.5 + math.Min(contrast, 80.0)/80.0*2.5
	score = math.Max(1.0, math.Min(5.0, score))

	return Prediction{Score: score}, nil
}
