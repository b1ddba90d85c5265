package drift

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

// VersionDrift summarizes one model version over the analysis window.
type VersionDrift struct {
	MeanDrift       float64        `json:"mean_drift"`
	SampleCount     int            `json:"sample_count"`
	DirectionCounts map[string]int `json:"direction_counts"`
	Dates           []string       `json:"dates"`
	MeanDrifts      []float64      `json:"mean_drifts"`
	SampleCounts    []int          `json:"sample_counts"`
}

// OverallDrift summarizes the whole window across versions.
type OverallDrift struct {
	MeanDrift       float64        `json:"mean_drift"`
	TotalSamples    int            `json:"total_samples"`
	DirectionCounts map[string]int `json:"direction_counts"`
}

// DailyDrift is one point of the overall daily series. MeanDrift is weighted
// by sample count so thin days don't skew the trend.
type DailyDrift struct {
	Date        string  `json:"date"`
	MeanDrift   float64 `json:"mean_drift"`
	SampleCount int     `json:"sample_count"`
}

// Trends is the windowed drift analysis.
type Trends struct {
	PerVersionStats map[string]VersionDrift `json:"version_stats"`
	OverallStats    OverallDrift            `json:"overall_stats"`
	DailySeries     []DailyDrift            `json:"daily_drift"`
}

// TrendsOverWindow analyzes drift aggregates over the trailing window of
// days. If no aggregate falls inside the window, all data is analyzed
// instead so the caller always gets a trend when any data exists.
func (m *Monitor) TrendsOverWindow(days int) (*Trends, error) {
	aggregates, err := m.LoadAggregates()
	if err != nil {
		return nil, err
	}
	if len(aggregates) == 0 {
		return nil, errors.WrapError(errors.ErrNoDriftData, errors.ErrorTypeAggregation,
			errors.CodeNoData, "no drift data available")
	}

	cutoff := time.Now().AddDate(0, 0, -days).Format(models.DateFormat)
	recent := make([]models.DriftAggregate, 0, len(aggregates))
	for _, a := range aggregates {
		if a.Date >= cutoff {
			recent = append(recent, a)
		}
	}
	if len(recent) == 0 {
		recent = aggregates
	}

	trends := &Trends{
		PerVersionStats: make(map[string]VersionDrift),
		OverallStats: OverallDrift{
			DirectionCounts: make(map[string]int),
		},
	}

	byVersion := make(map[string][]models.DriftAggregate)
	var overallMeans []float64
	for _, a := range recent {
		byVersion[a.ModelVersion] = append(byVersion[a.ModelVersion], a)
		overallMeans = append(overallMeans, a.MeanDrift)
		trends.OverallStats.TotalSamples += a.SampleCount
		trends.OverallStats.DirectionCounts[string(a.DriftDirection)]++
	}
	trends.OverallStats.MeanDrift = stat.Mean(overallMeans, nil)

	for ver, rows := range byVersion {
		sort.Slice(rows, func(i, j int) bool { return rows[i].Date < rows[j].Date })

		vd := VersionDrift{DirectionCounts: make(map[string]int)}
		var means []float64
		for _, a := range rows {
			means = append(means, a.MeanDrift)
			vd.SampleCount += a.SampleCount
			vd.DirectionCounts[string(a.DriftDirection)]++
			vd.Dates = append(vd.Dates, a.Date)
			vd.MeanDrifts = append(vd.MeanDrifts, a.MeanDrift)
			vd.SampleCounts = append(vd.SampleCounts, a.SampleCount)
		}
		vd.MeanDrift = stat.Mean(means, nil)
		trends.PerVersionStats[ver] = vd
	}

	byDate := make(map[string][]models.DriftAggregate)
	for _, a := range recent {
		byDate[a.Date] = append(byDate[a.Date], a)
	}
	for date, rows := range byDate {
		var means, weights []float64
		samples := 0
		for _, a := range rows {
			means = append(means, a.MeanDrift)
			weights = append(weights, float64(a.SampleCount))
			samples += a.SampleCount
		}
		trends.DailySeries = append(trends.DailySeries, DailyDrift{
			Date:        date,
			MeanDrift:   stat.Mean(means, weights),
			SampleCount: samples,
		})
	}
	sort.Slice(trends.DailySeries, func(i, j int) bool {
		return trends.DailySeries[i].Date < trends.DailySeries[j].Date
	})

	return trends, nil
}
