package registry

import (
	"fmt"
	"math"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

// CompareVersions compares the recorded metrics of two versions of a model.
// Numeric metrics get a full numeric diff and percentage change; metrics that
// are missing on either side or non-numeric report "N/A". PctChange is +Inf
// when the baseline (v1) value is exactly zero; callers must handle
// non-finite values explicitly.
func (r *Registry) CompareVersions(modelName, v1, v2 string) (map[string]models.MetricComparison, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.catalog.Models[modelName]; !ok {
		return nil, errors.WrapError(errors.ErrModelNotFound, errors.ErrorTypeRegistry,
			errors.CodeModelNotFound, fmt.Sprintf("model %s not found in registry", modelName))
	}

	rec1, ok := r.versionRecord(modelName, v1)
	if !ok {
		return nil, errors.WrapError(errors.ErrVersionNotFound, errors.ErrorTypeRegistry,
			errors.CodeVersionNotFound,
			fmt.Sprintf("version %s of model %s not found in registry", v1, modelName))
	}
	rec2, ok := r.versionRecord(modelName, v2)
	if !ok {
		return nil, errors.WrapError(errors.ErrVersionNotFound, errors.ErrorTypeRegistry,
			errors.CodeVersionNotFound,
			fmt.Sprintf("version %s of model %s not found in registry", v2, modelName))
	}

	names := make(map[string]struct{})
	for name := range rec1.Metrics {
		names[name] = struct{}{}
	}
	for name := range rec2.Metrics {
		names[name] = struct{}{}
	}

	comparison := make(map[string]models.MetricComparison, len(names))
	for name := range names {
		value1, ok1 := rec1.Metrics[name]
		value2, ok2 := rec2.Metrics[name]

		f1, numeric1 := toFloat(value1)
		f2, numeric2 := toFloat(value2)

		if ok1 && ok2 && numeric1 && numeric2 {
			pct := interface{}(nil)
			if f1 == 0 {
				pct = math.Inf(1)
			} else {
				pct = (f2 - f1) / f1 * 100
			}
			comparison[name] = models.MetricComparison{
				V1:        value1,
				V2:        value2,
				Diff:      f2 - f1,
				PctChange: pct,
			}
			continue
		}

		comparison[name] = models.MetricComparison{
			V1:        value1,
			V2:        value2,
			Diff:      "N/A",
			PctChange: "N/A",
		}
	}

	return comparison, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
