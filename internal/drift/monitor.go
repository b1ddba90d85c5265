// Package drift joins user-corrected scores against the AI scores recorded
// for the same inputs and folds them into per-day, per-version drift
// aggregates. Positive drift means users rate higher than the model (the
// model is conservative); negative means the model is optimistic.
package drift

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

// Default classification thresholds. These are global today; whether they
// should be per-model is an open question, so they live on the config rather
// than inline.
const (
	DefaultAgreementThreshold = 0.5
	DefaultDirectionThreshold = 0.1
)

var (
	feedbackHeader = []string{
		"timestamp", "filename", "ai_score", "user_score",
		"difference", "model_version", "abs_difference",
	}
	driftHeader = []string{
		"date", "model_version", "mean_drift", "median_drift", "std_drift",
		"sample_count", "max_drift", "min_drift", "drift_direction",
	}
)

// Config contains configuration for the drift monitor.
type Config struct {
	FeedbackPath       string  `json:"feedback_path" yaml:"feedback_path"`
	DriftPath          string  `json:"drift_path" yaml:"drift_path"`
	AgreementThreshold float64 `json:"agreement_threshold" yaml:"agreement_threshold"`
	DirectionThreshold float64 `json:"direction_threshold" yaml:"direction_threshold"`
}

// Monitor owns the feedback log and the derived drift aggregate table. The
// aggregates may be dropped and recomputed from feedback at any time; they
// are never the source of truth.
type Monitor struct {
	config *Config
	logger *logrus.Logger

	feedbackMu sync.Mutex
	driftMu    sync.Mutex
}

// FeedbackResult reports the outcome of recording one correction.
type FeedbackResult struct {
	Logged        bool    `json:"logged"`
	Agreement     bool    `json:"agreement"`
	Difference    float64 `json:"difference"`
	AbsDifference float64 `json:"abs_difference"`
}

// NewMonitor creates a drift monitor over the configured feedback and drift
// files.
func NewMonitor(config *Config, logger *logrus.Logger) (*Monitor, error) {
	if config == nil || config.FeedbackPath == "" || config.DriftPath == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField,
			"feedback_path and drift_path are required")
	}
	if config.AgreementThreshold <= 0 {
		config.AgreementThreshold = DefaultAgreementThreshold
	}
	if config.DirectionThreshold <= 0 {
		config.DirectionThreshold = DefaultDirectionThreshold
	}
	if logger == nil {
		logger = logrus.New()
	}
	for _, p := range []string{config.FeedbackPath, config.DriftPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
				fmt.Sprintf("failed to create directory for %s", p))
		}
	}
	return &Monitor{config: config, logger: logger}, nil
}

// RecordFeedback appends one user correction and reports whether the user
// agreed with the model (absolute difference within the agreement threshold).
func (m *Monitor) RecordFeedback(filename string, aiScore, userScore float64, modelVersion string) (*FeedbackResult, error) {
	m.feedbackMu.Lock()
	defer m.feedbackMu.Unlock()

	difference := userScore - aiScore
	absDifference := math.Abs(difference)

	newFile := false
	if _, err := os.Stat(m.config.FeedbackPath); os.IsNotExist(err) {
		newFile = true
	}

	f, err := os.OpenFile(m.config.FeedbackPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to open feedback log %s", m.config.FeedbackPath))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(feedbackHeader); err != nil {
			return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
				"failed to write feedback header")
		}
	}
	row := []string{
		models.Now(),
		filename,
		strconv.FormatFloat(aiScore, 'f', -1, 64),
		strconv.FormatFloat(userScore, 'f', -1, 64),
		strconv.FormatFloat(difference, 'f', -1, 64),
		modelVersion,
		strconv.FormatFloat(absDifference, 'f', -1, 64),
	}
	if err := w.Write(row); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to write feedback row")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to flush feedback row")
	}

	return &FeedbackResult{
		Logged:        true,
		Agreement:     absDifference <= m.config.AgreementThreshold,
		Difference:    difference,
		AbsDifference: absDifference,
	}, nil
}

// loadFeedback reads all feedback rows, skipping malformed ones.
func (m *Monitor) loadFeedback() ([]models.FeedbackRecord, error) {
	f, err := os.Open(m.config.FeedbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to open feedback log %s", m.config.FeedbackPath))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var records []models.FeedbackRecord
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if first {
			first = false
			continue
		}
		if len(row) < 7 {
			continue
		}

		aiScore, err1 := strconv.ParseFloat(row[2], 64)
		userScore, err2 := strconv.ParseFloat(row[3], 64)
		difference, err3 := strconv.ParseFloat(row[4], 64)
		absDifference, err4 := strconv.ParseFloat(row[6], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			m.logger.WithField("timestamp", row[0]).Warn("Skipping malformed feedback row")
			continue
		}
		records = append(records, models.FeedbackRecord{
			Timestamp:     row[0],
			Filename:      row[1],
			AIScore:       aiScore,
			UserScore:     userScore,
			Difference:    difference,
			ModelVersion:  row[5],
			AbsDifference: absDifference,
		})
	}
	return records, nil
}

// RecomputeDailyDrift rebuilds the drift aggregate table from the feedback
// log. It is a full recomputation, not an incremental update: running it
// twice with unchanged feedback produces identical rows. A failure leaves
// prior aggregates intact and is reported as advisory.
func (m *Monitor) RecomputeDailyDrift() error {
	m.driftMu.Lock()
	defer m.driftMu.Unlock()

	feedback, err := m.loadFeedback()
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeAggregation, errors.CodeAggregationFailed,
			"failed to read feedback for drift recomputation")
	}
	if len(feedback) == 0 {
		return errors.WrapError(errors.ErrNoFeedbackData, errors.ErrorTypeAggregation,
			errors.CodeNoData, "no feedback data available")
	}

	// Group keys pack a validated date prefix and the version; a row whose
	// timestamp does not carry a parseable date is skipped, never fatal.
	groups := make(map[string][]float64)
	for _, r := range feedback {
		date := r.Timestamp
		if len(date) < len(models.DateFormat) {
			m.logger.WithField("timestamp", r.Timestamp).Warn("Skipping feedback row with unparseable timestamp")
			continue
		}
		date = date[:len(models.DateFormat)]
		if _, err := time.Parse(models.DateFormat, date); err != nil {
			m.logger.WithField("timestamp", r.Timestamp).Warn("Skipping feedback row with unparseable timestamp")
			continue
		}
		key := date + "\x00" + r.ModelVersion
		groups[key] = append(groups[key], r.Difference)
	}
	if len(groups) == 0 {
		return errors.WrapError(errors.ErrNoFeedbackData, errors.ErrorTypeAggregation,
			errors.CodeNoData, "no feedback rows carry a usable timestamp")
	}

	aggregates := make([]models.DriftAggregate, 0, len(groups))
	for key, diffs := range groups {
		date := key[:len(models.DateFormat)]
		ver := key[len(models.DateFormat)+1:]

		minDrift, maxDrift := diffs[0], diffs[0]
		for _, d := range diffs[1:] {
			minDrift = math.Min(minDrift, d)
			maxDrift = math.Max(maxDrift, d)
		}
		meanDrift := stat.Mean(diffs, nil)

		aggregates = append(aggregates, models.DriftAggregate{
			Date:           date,
			ModelVersion:   ver,
			MeanDrift:      meanDrift,
			MedianDrift:    median(diffs),
			StdDrift:       sampleStdDev(diffs),
			SampleCount:    len(diffs),
			MaxDrift:       maxDrift,
			MinDrift:       minDrift,
			DriftDirection: m.classify(meanDrift),
		})
	}
	sort.Slice(aggregates, func(i, j int) bool {
		if aggregates[i].Date != aggregates[j].Date {
			return aggregates[i].Date < aggregates[j].Date
		}
		return aggregates[i].ModelVersion < aggregates[j].ModelVersion
	})

	if err := m.writeAggregates(aggregates); err != nil {
		return err
	}

	m.logger.WithField("groups", len(aggregates)).Info("Recomputed daily drift aggregates")
	return nil
}

// classify maps mean drift to a direction given the configured threshold.
func (m *Monitor) classify(meanDrift float64) models.DriftDirection {
	switch {
	case meanDrift > m.config.DirectionThreshold:
		return models.DriftConservative
	case meanDrift < -m.config.DirectionThreshold:
		return models.DriftOptimistic
	default:
		return models.DriftNeutral
	}
}

// writeAggregates replaces the drift table atomically so a failed recompute
// never clobbers prior aggregates.
func (m *Monitor) writeAggregates(aggregates []models.DriftAggregate) error {
	dir := filepath.Dir(m.config.DriftPath)
	tmp, err := os.CreateTemp(dir, ".drift-*")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeAggregation, errors.CodeAggregationFailed,
			"failed to create drift temp file")
	}
	tmpName := tmp.Name()

	w := csv.NewWriter(tmp)
	writeErr := w.Write(driftHeader)
	for _, a := range aggregates {
		if writeErr != nil {
			break
		}
		writeErr = w.Write([]string{
			a.Date,
			a.ModelVersion,
			strconv.FormatFloat(a.MeanDrift, 'f', -1, 64),
			strconv.FormatFloat(a.MedianDrift, 'f', -1, 64),
			strconv.FormatFloat(a.StdDrift, 'f', -1, 64),
			strconv.Itoa(a.SampleCount),
			strconv.FormatFloat(a.MaxDrift, 'f', -1, 64),
			strconv.FormatFloat(a.MinDrift, 'f', -1, 64),
			string(a.DriftDirection),
		})
	}
	if writeErr == nil {
		w.Flush()
		writeErr = w.Error()
	}
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	if closeErr := tmp.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tmpName)
		return errors.WrapError(writeErr, errors.ErrorTypeAggregation, errors.CodeAggregationFailed,
			"failed to write drift aggregates")
	}
	if err := os.Rename(tmpName, m.config.DriftPath); err != nil {
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypeAggregation, errors.CodeAggregationFailed,
			fmt.Sprintf("failed to replace drift table %s", m.config.DriftPath))
	}
	return nil
}

// LoadAggregates reads the current drift aggregate table.
func (m *Monitor) LoadAggregates() ([]models.DriftAggregate, error) {
	f, err := os.Open(m.config.DriftPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to open drift table %s", m.config.DriftPath))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var aggregates []models.DriftAggregate
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		if first {
			first = false
			continue
		}
		if len(row) < 9 {
			continue
		}

		meanDrift, err1 := strconv.ParseFloat(row[2], 64)
		medianDrift, err2 := strconv.ParseFloat(row[3], 64)
		stdDrift, err3 := strconv.ParseFloat(row[4], 64)
		sampleCount, err4 := strconv.Atoi(row[5])
		maxDrift, err5 := strconv.ParseFloat(row[6], 64)
		minDrift, err6 := strconv.ParseFloat(row[7], 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil {
			continue
		}
		aggregates = append(aggregates, models.DriftAggregate{
			Date:           row[0],
			ModelVersion:   row[1],
			MeanDrift:      meanDrift,
			MedianDrift:    medianDrift,
			StdDrift:       stdDrift,
			SampleCount:    sampleCount,
			MaxDrift:       maxDrift,
			MinDrift:       minDrift,
			DriftDirection: models.DriftDirection(row[8]),
		})
	}
	return aggregates, nil
}

func median(xs []float64) float64 {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// sampleStdDev is the N-1 standard deviation of the group, zero for a single
// sample.
func sampleStdDev(xs []float64) float64 {
	if len(xs) <= 1 {
		return 0
	}
	return stat.StdDev(xs, nil)
}
