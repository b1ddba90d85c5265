// Package audit implements the append-only inference audit trail: one row per
// inference call, whichever tier served it, plus the aggregate statistics
// queries operators and analytics consume.
package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

var trailHeader = []string{
	"timestamp", "filename", "model_name", "model_version", "score",
	"confidence", "execution_time_ms", "fallback_used", "user_id", "metadata",
}

// Trail is the append-only inference audit log.
type Trail struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewTrail creates an audit trail backed by the CSV file at path.
func NewTrail(path string, logger *logrus.Logger) (*Trail, error) {
	if path == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "audit trail path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create audit directory for %s", path))
	}
	return &Trail{path: path, logger: logger}, nil
}

// Append writes one inference record. Prior records are never mutated.
func (t *Trail) Append(record models.InferenceRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if record.Timestamp == "" {
		record.Timestamp = models.Now()
	}

	confidence := ""
	if record.Confidence != nil {
		confidence = strconv.FormatFloat(*record.Confidence, 'f', -1, 64)
	}
	execTime := ""
	if record.ExecutionTimeMs != nil {
		execTime = strconv.FormatFloat(*record.ExecutionTimeMs, 'f', -1, 64)
	}
	metadata := "{}"
	if record.Metadata != nil {
		encoded, err := json.Marshal(record.Metadata)
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
				"failed to encode inference metadata")
		}
		metadata = string(encoded)
	}

	newFile := false
	if _, err := os.Stat(t.path); os.IsNotExist(err) {
		newFile = true
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to open audit trail %s", t.path))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(trailHeader); err != nil {
			return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
				"failed to write audit trail header")
		}
	}
	row := []string{
		record.Timestamp,
		record.Filename,
		record.ModelName,
		record.ModelVersion,
		strconv.FormatFloat(record.Score, 'f', -1, 64),
		confidence,
		execTime,
		strconv.FormatBool(record.FallbackUsed),
		record.UserID,
		metadata,
	}
	if err := w.Write(row); err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to write audit row")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to flush audit row")
	}
	return nil
}

// Query returns up to limit records, most-recent-first. A limit of 0 returns
// everything.
func (t *Trail) Query(limit int) ([]models.InferenceRecord, error) {
	records, err := t.readAll()
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// readAll reads the trail in append order, skipping malformed rows. Readers
// tolerate a concurrent append by stopping at the first short read.
func (t *Trail) readAll() ([]models.InferenceRecord, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to open audit trail %s", t.path))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var records []models.InferenceRecord
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
		if len(row) < 10 {
			continue
		}

		score, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			t.logger.WithField("row", row[0]).Warn("Skipping audit row with unparseable score")
			continue
		}
		record := models.InferenceRecord{
			Timestamp:    row[0],
			Filename:     row[1],
			ModelName:    row[2],
			ModelVersion: row[3],
			Score:        score,
			FallbackUsed: row[7] == "true",
			UserID:       row[8],
		}
		if row[5] != "" {
			if c, err := strconv.ParseFloat(row[5], 64); err == nil {
				record.Confidence = &c
			}
		}
		if row[6] != "" {
			if e, err := strconv.ParseFloat(row[6], 64); err == nil {
				record.ExecutionTimeMs = &e
			}
		}
		var metadata map[string]interface{}
		if err := json.Unmarshal([]byte(row[9]), &metadata); err == nil && len(metadata) > 0 {
			record.Metadata = metadata
		}
		records = append(records, record)
	}
	return records, nil
}
