// Package deployment tracks which model version is live, the fallback
// configuration an operator can flip, and the append-only event log that is
// the durable record of every lifecycle transition.
package deployment

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
)

var eventHeader = []string{"timestamp", "event_type", "model", "version", "message", "metadata"}

// EventLog is an append-only CSV log of deployment lifecycle events. Rows are
// written once and never mutated; the log remains authoritative even if the
// deployment status file is rebuilt from scratch.
type EventLog struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewEventLog creates an event log backed by the CSV file at path.
func NewEventLog(path string, logger *logrus.Logger) (*EventLog, error) {
	if path == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "event log path is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create event log directory for %s", path))
	}
	return &EventLog{path: path, logger: logger}, nil
}

// Append writes one event row, creating the file with a header row first if
// needed. The append is serialized and synced before returning so a status
// mutation is only considered complete once its event is durable.
func (l *EventLog) Append(event models.DeploymentEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp == "" {
		event.Timestamp = models.Now()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]interface{}{}
	}
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to encode event metadata")
	}

	newFile := false
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		newFile = true
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to open event log %s", l.path))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newFile {
		if err := w.Write(eventHeader); err != nil {
			return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
				"failed to write event log header")
		}
	}
	row := []string{
		event.Timestamp,
		string(event.EventType),
		event.Model,
		event.Version,
		event.Message,
		string(metadata),
	}
	if err := w.Write(row); err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to write event row")
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to flush event row")
	}
	if err := f.Sync(); err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to sync event log")
	}

	l.logger.WithFields(logrus.Fields{
		"event":   event.EventType,
		"model":   event.Model,
		"version": event.Version,
	}).Info(event.Message)

	return nil
}

// Query returns up to limit events, most-recent-first. A limit of 0 returns
// everything. Readers see a snapshot of rows fully written at call start;
// a trailing partial row from a concurrent append is skipped.
func (l *EventLog) Query(limit int) ([]models.DeploymentEvent, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to open event log %s", l.path))
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var events []models.DeploymentEvent
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Tolerate a row being appended concurrently.
			break
		}
		if first {
			first = false
			continue
		}
		if len(row) < 6 {
			continue
		}
		event := models.DeploymentEvent{
			Timestamp: row[0],
			EventType: models.EventType(row[1]),
			Model:     row[2],
			Version:   row[3],
			Message:   row[4],
		}
		var metadata map[string]interface{}
		if err := json.Unmarshal([]byte(row[5]), &metadata); err == nil {
			event.Metadata = metadata
		}
		events = append(events, event)
	}

	// Reverse to most-recent-first.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}
