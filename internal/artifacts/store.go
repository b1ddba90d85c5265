// Package artifacts provides the immutable archive storage model artifacts
// are copied into on registration. Once archived, an artifact is never
// overwritten; the original source path may be deleted or replaced without
// affecting the registry.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/version"
)

// Store archives and retrieves model artifacts.
type Store interface {
	// Archive copies the artifact at sourcePath into immutable storage and
	// returns the archived location. The archived name embeds model, version,
	// and timestamp so repeated registrations never collide.
	Archive(ctx context.Context, modelName string, v version.SemVer, sourcePath string) (string, error)

	// Open returns a reader for a previously archived artifact.
	Open(ctx context.Context, archivedPath string) (io.ReadCloser, error)

	// Exists reports whether an archived artifact is still present.
	Exists(ctx context.Context, archivedPath string) (bool, error)
}

// LocalStoreConfig contains configuration for disk-backed artifact storage.
type LocalStoreConfig struct {
	ArchiveDir string `json:"archive_dir" yaml:"archive_dir"`
}

// LocalStore implements Store on the local filesystem.
type LocalStore struct {
	config *LocalStoreConfig
	logger *logrus.Logger
	now    func() time.Time
}

// NewLocalStore creates a disk-backed artifact store rooted at ArchiveDir.
func NewLocalStore(config *LocalStoreConfig, logger *logrus.Logger) (*LocalStore, error) {
	if config == nil || config.ArchiveDir == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "archive_dir is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if err := os.MkdirAll(config.ArchiveDir, 0o755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create archive directory %s", config.ArchiveDir))
	}

	return &LocalStore{config: config, logger: logger, now: time.Now}, nil
}

// archiveName builds "<model>_v<maj>_<min>_<patch>_<stamp><ext>".
func archiveName(modelName string, v version.SemVer, sourcePath string, now time.Time) string {
	stamp := now.Format("20060102150405")
	ext := filepath.Ext(sourcePath)
	return fmt.Sprintf("%s_v%s_%s%s", modelName, v.FileSafe(), stamp, ext)
}

// Archive copies sourcePath into the archive directory.
func (s *LocalStore) Archive(ctx context.Context, modelName string, v version.SemVer, sourcePath string) (string, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.WrapError(errors.ErrArtifactNotFound, errors.ErrorTypeRegistry,
				errors.CodeArtifactNotFound, fmt.Sprintf("model file not found at %s", sourcePath))
		}
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to open artifact %s", sourcePath))
	}
	defer src.Close()

	dest := filepath.Join(s.config.ArchiveDir, archiveName(modelName, v, sourcePath, s.now()))

	// Write through a temp file so a crash mid-copy never leaves a partial
	// artifact under the final name.
	tmp, err := os.CreateTemp(s.config.ArchiveDir, ".archive-*")
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to create archive temp file")
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to copy artifact to %s", dest))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to sync archived artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to close archived artifact")
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to finalize archived artifact %s", dest))
	}

	s.logger.WithFields(logrus.Fields{
		"model":   modelName,
		"version": v.String(),
		"path":    dest,
	}).Info("Archived model artifact")

	return dest, nil
}

// Open returns a reader over an archived artifact.
func (s *LocalStore) Open(ctx context.Context, archivedPath string) (io.ReadCloser, error) {
	f, err := os.Open(archivedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapError(errors.ErrArtifactNotFound, errors.ErrorTypeRegistry,
				errors.CodeArtifactNotFound, fmt.Sprintf("archived artifact not found at %s", archivedPath))
		}
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to open archived artifact %s", archivedPath))
	}
	return f, nil
}

// Exists reports whether the archived artifact is present on disk.
func (s *LocalStore) Exists(ctx context.Context, archivedPath string) (bool, error) {
	if _, err := os.Stat(archivedPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to stat archived artifact %s", archivedPath))
	}
	return true, nil
}
