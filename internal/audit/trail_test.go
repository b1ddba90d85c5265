package audit

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrafusion/condserve/pkg/models"
)

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	trail, err := NewTrail(filepath.Join(t.TempDir(), "inference_audit.csv"), nil)
	require.NoError(t, err)
	return trail
}

func floatPtr(f float64) *float64 { return &f }

func record(version string, score float64, fallback bool, execMs float64) models.InferenceRecord {
	return models.InferenceRecord{
		Filename:        "property.jpg",
		ModelName:       "condition_model",
		ModelVersion:    version,
		Score:           score,
		ExecutionTimeMs: floatPtr(execMs),
		FallbackUsed:    fallback,
	}
}

func TestAppendAndQuery(t *testing.T) {
	trail := newTestTrail(t)

	for i := 0; i < 5; i++ {
		r := record("1.0.0", float64(i)+1, false, 12.5)
		r.Filename = fmt.Sprintf("property_%d.jpg", i)
		require.NoError(t, trail.Append(r))
	}

	records, err := trail.Query(3)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Most recent first.
	assert.Equal(t, "property_4.jpg", records[0].Filename)
	assert.Equal(t, "property_2.jpg", records[2].Filename)
	assert.NotEmpty(t, records[0].Timestamp)
}

func TestAppendPreservesOptionalFields(t *testing.T) {
	trail := newTestTrail(t)

	r := record("1.2.0", 4.2, true, 88.4)
	r.Confidence = floatPtr(0.87)
	r.UserID = "appraiser-17"
	r.Metadata = map[string]interface{}{"tier": "fallback_model"}
	require.NoError(t, trail.Append(r))

	// A record with none of the optional fields.
	bare := models.InferenceRecord{
		Filename:     "other.jpg",
		ModelName:    "condition_model",
		ModelVersion: "1.2.0",
		Score:        3.0,
	}
	require.NoError(t, trail.Append(bare))

	records, err := trail.Query(0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	got := records[1]
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.87, *got.Confidence, 1e-9)
	require.NotNil(t, got.ExecutionTimeMs)
	assert.InDelta(t, 88.4, *got.ExecutionTimeMs, 1e-9)
	assert.True(t, got.FallbackUsed)
	assert.Equal(t, "appraiser-17", got.UserID)
	assert.Equal(t, "fallback_model", got.Metadata["tier"])

	assert.Nil(t, records[0].Confidence)
	assert.Nil(t, records[0].ExecutionTimeMs)
	assert.False(t, records[0].FallbackUsed)
}

func TestQueryEmptyTrail(t *testing.T) {
	trail := newTestTrail(t)

	records, err := trail.Query(10)
	require.NoError(t, err)
	assert.Empty(t, records)

	stats, err := trail.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalCount)
}

func TestStats(t *testing.T) {
	trail := newTestTrail(t)

	require.NoError(t, trail.Append(record("1.0.0", 2.0, false, 10)))
	require.NoError(t, trail.Append(record("1.0.0", 4.0, false, 20)))
	require.NoError(t, trail.Append(record("1.1.0", 5.0, true, 30)))
	require.NoError(t, trail.Append(record("1.1.0", 1.5, false, 40)))

	stats, err := trail.Stats(0)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.TotalCount)
	assert.InDelta(t, 3.125, stats.AverageScore, 1e-9)
	assert.InDelta(t, 25.0, stats.FallbackRatePct, 1e-9)
	assert.Equal(t, 2, stats.PerVersionUsage["1.0.0"])
	assert.Equal(t, 2, stats.PerVersionUsage["1.1.0"])
	assert.InDelta(t, 25.0, stats.ExecutionTimeStats.AvgMs, 1e-9)
	assert.InDelta(t, 10.0, stats.ExecutionTimeStats.MinMs, 1e-9)
	assert.InDelta(t, 40.0, stats.ExecutionTimeStats.MaxMs, 1e-9)
}

func TestStatsLimitUsesMostRecent(t *testing.T) {
	trail := newTestTrail(t)

	require.NoError(t, trail.Append(record("1.0.0", 1.0, false, 10)))
	require.NoError(t, trail.Append(record("1.1.0", 5.0, false, 10)))
	require.NoError(t, trail.Append(record("1.1.0", 5.0, false, 10)))

	stats, err := trail.Stats(2)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalCount)
	assert.InDelta(t, 5.0, stats.AverageScore, 1e-9)
	assert.Equal(t, 0, stats.PerVersionUsage["1.0.0"])
}

func TestScoreHistogramBuckets(t *testing.T) {
	trail := newTestTrail(t)

	// Bucket edges: 2.0 belongs to the 2.0-2.9 bucket, 5.0 to the top bucket.
	for _, score := range []float64{1.0, 1.9, 2.0, 3.999, 4.0, 5.0} {
		require.NoError(t, trail.Append(record("1.0.0", score, false, 1)))
	}

	stats, err := trail.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ScoreHistogram[BucketLow])
	assert.Equal(t, 1, stats.ScoreHistogram[BucketMid])
	assert.Equal(t, 1, stats.ScoreHistogram[BucketHigh])
	assert.Equal(t, 2, stats.ScoreHistogram[BucketPerfect])
}

func TestPerVersionPerformance(t *testing.T) {
	trail := newTestTrail(t)

	require.NoError(t, trail.Append(record("1.0.0", 2.0, false, 10)))
	require.NoError(t, trail.Append(record("1.0.0", 4.0, true, 30)))
	require.NoError(t, trail.Append(record("1.1.0", 3.5, false, 15)))

	perf, err := trail.PerVersionPerformance()
	require.NoError(t, err)
	require.Len(t, perf, 2)

	v1 := perf["1.0.0"]
	assert.Equal(t, 2, v1.Count)
	assert.InDelta(t, 3.0, v1.AvgScore, 1e-9)
	assert.InDelta(t, 2.0, v1.MinScore, 1e-9)
	assert.InDelta(t, 4.0, v1.MaxScore, 1e-9)
	// Population stddev of {2, 4} is 1.
	assert.InDelta(t, 1.0, v1.ScoreStdDev, 1e-9)
	assert.InDelta(t, 50.0, v1.FallbackRatePct, 1e-9)

	// A single sample reports zero deviation, not NaN.
	v2 := perf["1.1.0"]
	assert.Equal(t, 1, v2.Count)
	assert.Zero(t, v2.ScoreStdDev)
	assert.Zero(t, v2.ExecTimeStdDev)
}

func TestScoresByDate(t *testing.T) {
	trail := newTestTrail(t)

	r1 := record("1.0.0", 2.0, false, 1)
	r1.Timestamp = "2026-08-29T10:00:00Z"
	r2 := record("1.0.0", 4.0, false, 1)
	r2.Timestamp = "2026-08-29T18:00:00Z"
	r3 := record("1.0.0", 5.0, false, 1)
	r3.Timestamp = "2026-08-30T09:00:00Z"
	for _, r := range []models.InferenceRecord{r1, r2, r3} {
		require.NoError(t, trail.Append(r))
	}

	byDate, err := trail.ScoresByDate()
	require.NoError(t, err)
	require.Len(t, byDate, 2)
	assert.InDelta(t, 3.0, byDate["2026-08-29"].AvgScore, 1e-9)
	assert.Equal(t, 2, byDate["2026-08-29"].Count)
	assert.InDelta(t, 5.0, byDate["2026-08-30"].AvgScore, 1e-9)
}
