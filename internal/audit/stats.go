package audit

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/terrafusion/condserve/pkg/models"
)

// Histogram bucket labels. Buckets are half-open [lo, hi) except the top
// bucket, which is closed on both ends so a perfect 5.0 lands in it.
const (
	BucketLow     = "1.0-1.9"
	BucketMid     = "2.0-2.9"
	BucketHigh    = "3.0-3.9"
	BucketPerfect = "4.0-5.0"
)

// ExecutionTimeStats summarizes inference wall-clock time over the records
// that carry a measurement.
type ExecutionTimeStats struct {
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Stats aggregates the most recent inference records.
type Stats struct {
	TotalCount         int                `json:"total_count"`
	AverageScore       float64            `json:"average_score"`
	FallbackRatePct    float64            `json:"fallback_rate_pct"`
	PerVersionUsage    map[string]int     `json:"per_version_usage"`
	ScoreHistogram     map[string]int     `json:"score_histogram"`
	ExecutionTimeStats ExecutionTimeStats `json:"execution_time_stats"`
}

// VersionPerformance summarizes score and latency behavior of one version.
type VersionPerformance struct {
	Count           int     `json:"count"`
	AvgScore        float64 `json:"avg_score"`
	MinScore        float64 `json:"min_score"`
	MaxScore        float64 `json:"max_score"`
	ScoreStdDev     float64 `json:"score_std_dev"`
	AvgExecTimeMs   float64 `json:"avg_exec_time_ms"`
	ExecTimeStdDev  float64 `json:"exec_time_std_dev"`
	FallbackRatePct float64 `json:"fallback_rate_pct"`
}

// DateScore is the per-day average score and sample count.
type DateScore struct {
	AvgScore float64 `json:"avg_score"`
	Count    int     `json:"count"`
}

// Stats computes aggregate statistics over the most recent limit records.
// A limit of 0 analyzes the full trail.
func (t *Trail) Stats(limit int) (*Stats, error) {
	records, err := t.readAll()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	stats := &Stats{
		TotalCount:      len(records),
		PerVersionUsage: make(map[string]int),
		ScoreHistogram: map[string]int{
			BucketLow:     0,
			BucketMid:     0,
			BucketHigh:    0,
			BucketPerfect: 0,
		},
	}
	if len(records) == 0 {
		return stats, nil
	}

	var totalScore float64
	var fallbackCount int
	var execTimes []float64
	for _, r := range records {
		stats.PerVersionUsage[r.ModelVersion]++
		totalScore += r.Score
		if bucket, ok := histogramBucket(r.Score); ok {
			stats.ScoreHistogram[bucket]++
		}
		if r.FallbackUsed {
			fallbackCount++
		}
		if r.ExecutionTimeMs != nil {
			execTimes = append(execTimes, *r.ExecutionTimeMs)
		}
	}

	stats.AverageScore = totalScore / float64(len(records))
	stats.FallbackRatePct = float64(fallbackCount) / float64(len(records)) * 100

	if len(execTimes) > 0 {
		minMs, maxMs := execTimes[0], execTimes[0]
		for _, e := range execTimes[1:] {
			minMs = math.Min(minMs, e)
			maxMs = math.Max(maxMs, e)
		}
		stats.ExecutionTimeStats = ExecutionTimeStats{
			AvgMs: stat.Mean(execTimes, nil),
			MinMs: minMs,
			MaxMs: maxMs,
		}
	}
	return stats, nil
}

// histogramBucket maps a score to its distribution bucket. Scores outside
// [1.0, 5.0] are not counted, matching the recorded score range.
func histogramBucket(score float64) (string, bool) {
	switch {
	case score >= 1.0 && score < 2.0:
		return BucketLow, true
	case score >= 2.0 && score < 3.0:
		return BucketMid, true
	case score >= 3.0 && score < 4.0:
		return BucketHigh, true
	case score >= 4.0 && score <= 5.0:
		return BucketPerfect, true
	default:
		return "", false
	}
}

// PerVersionPerformance groups the full trail by model version. Standard
// deviations use population variance (divide by N); a single sample reports
// zero deviation.
func (t *Trail) PerVersionPerformance() (map[string]VersionPerformance, error) {
	records, err := t.readAll()
	if err != nil {
		return nil, err
	}

	scores := make(map[string][]float64)
	execTimes := make(map[string][]float64)
	fallbacks := make(map[string]int)
	for _, r := range records {
		scores[r.ModelVersion] = append(scores[r.ModelVersion], r.Score)
		if r.ExecutionTimeMs != nil {
			execTimes[r.ModelVersion] = append(execTimes[r.ModelVersion], *r.ExecutionTimeMs)
		}
		if r.FallbackUsed {
			fallbacks[r.ModelVersion]++
		}
	}

	perf := make(map[string]VersionPerformance, len(scores))
	for ver, vs := range scores {
		minScore, maxScore := vs[0], vs[0]
		for _, s := range vs[1:] {
			minScore = math.Min(minScore, s)
			maxScore = math.Max(maxScore, s)
		}

		p := VersionPerformance{
			Count:           len(vs),
			AvgScore:        stat.Mean(vs, nil),
			MinScore:        minScore,
			MaxScore:        maxScore,
			ScoreStdDev:     popStdDev(vs),
			FallbackRatePct: float64(fallbacks[ver]) / float64(len(vs)) * 100,
		}
		if ts := execTimes[ver]; len(ts) > 0 {
			p.AvgExecTimeMs = stat.Mean(ts, nil)
			p.ExecTimeStdDev = popStdDev(ts)
		}
		perf[ver] = p
	}
	return perf, nil
}

// ScoresByDate groups the full trail by the date portion of the timestamp.
func (t *Trail) ScoresByDate() (map[string]DateScore, error) {
	records, err := t.readAll()
	if err != nil {
		return nil, err
	}

	totals := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range records {
		date := r.Timestamp
		if len(date) >= len(models.DateFormat) {
			date = date[:len(models.DateFormat)]
		}
		totals[date] += r.Score
		counts[date]++
	}

	byDate := make(map[string]DateScore, len(counts))
	for date, count := range counts {
		byDate[date] = DateScore{AvgScore: totals[date] / float64(count), Count: count}
	}
	return byDate, nil
}

func popStdDev(xs []float64) float64 {
	if len(xs) <= 1 {
		return 0
	}
	return math.Sqrt(stat.PopVariance(xs, nil))
}
