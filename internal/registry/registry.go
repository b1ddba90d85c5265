// Package registry implements the durable model catalog: named models, their
// versions, archived artifact locations, and training metrics. The catalog
// file is the single source of truth for what models and versions exist.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/terrafusion/condserve/internal/artifacts"
	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/models"
	"github.com/terrafusion/condserve/pkg/version"
)

// Config contains configuration for the model registry.
type Config struct {
	CatalogPath string `json:"catalog_path" yaml:"catalog_path"`
}

// Registry manages the model catalog. Mutations are serialized per model
// name so concurrent registrations of the same model cannot race on the
// auto-increment logic, while lookups of unrelated models proceed without
// blocking.
type Registry struct {
	config *Config
	logger *logrus.Logger
	store  artifacts.Store

	mu      sync.RWMutex
	catalog *models.ModelCatalog
	gen     uint64

	lockMu  sync.Mutex
	modelMu map[string]*sync.Mutex

	persistMu    sync.Mutex
	persistedGen uint64
}

// RegisterOptions carries the optional arguments to RegisterVersion.
type RegisterOptions struct {
	// Version pins the registered version explicitly. When empty the registry
	// auto-bumps the current version's minor component and resets patch to
	// zero. That is a conservative auto-bump policy, not SemVer precedence.
	Version     string
	Metrics     map[string]interface{}
	Description string
}

// NewRegistry creates a registry backed by the catalog file at
// config.CatalogPath and the given artifact store. An existing catalog is
// loaded; otherwise an empty one is created on first mutation.
func NewRegistry(config *Config, store artifacts.Store, logger *logrus.Logger) (*Registry, error) {
	if config == nil || config.CatalogPath == "" {
		return nil, errors.NewValidationError(errors.CodeMissingField, "catalog_path is required")
	}
	if store == nil {
		return nil, errors.NewValidationError(errors.CodeMissingField, "artifact store is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	r := &Registry{
		config:  config,
		logger:  logger,
		store:   store,
		modelMu: make(map[string]*sync.Mutex),
	}

	catalog, err := loadCatalog(config.CatalogPath)
	if err != nil {
		return nil, err
	}
	r.catalog = catalog

	return r, nil
}

func loadCatalog(path string) (*models.ModelCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &models.ModelCatalog{Models: make(map[string]*models.ModelCatalogEntry)}, nil
		}
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("failed to read catalog %s", path))
	}

	var catalog models.ModelCatalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeReadFailed,
			fmt.Sprintf("catalog %s is not valid JSON", path))
	}
	if catalog.Models == nil {
		catalog.Models = make(map[string]*models.ModelCatalogEntry)
	}
	return &catalog, nil
}

// modelLock returns the mutation lock for a model name.
func (r *Registry) modelLock(modelName string) *sync.Mutex {
	r.lockMu.Lock()
	defer r.lockMu.Unlock()
	mu, ok := r.modelMu[modelName]
	if !ok {
		mu = &sync.Mutex{}
		r.modelMu[modelName] = mu
	}
	return mu
}

// RegisterVersion archives the artifact at artifactPath and records it as a
// new version of modelName. The returned path is the archived copy; the
// original artifactPath may be deleted afterward. currentVersion advances
// only when the new version orders greater than the existing one.
func (r *Registry) RegisterVersion(ctx context.Context, modelName, artifactPath string, opts RegisterOptions) (string, string, error) {
	if modelName == "" {
		return "", "", errors.NewValidationError(errors.CodeMissingField, "model name is required")
	}

	mu := r.modelLock(modelName)
	mu.Lock()
	defer mu.Unlock()

	current := r.currentOrZero(modelName)

	var v version.SemVer
	if opts.Version != "" {
		parsed, err := version.Parse(opts.Version)
		if err != nil {
			return "", "", err
		}
		v = parsed
	} else {
		v = current.NextMinor()
	}

	r.mu.RLock()
	_, exists := r.versionRecord(modelName, v.String())
	r.mu.RUnlock()
	if exists {
		return "", "", errors.NewValidationError(errors.CodeInvalidVersion,
			fmt.Sprintf("version %s of model %s is already registered", v, modelName))
	}

	archivedPath, err := r.store.Archive(ctx, modelName, v, artifactPath)
	if err != nil {
		return "", "", err
	}

	description := opts.Description
	if description == "" {
		description = fmt.Sprintf("Version %s of %s", v, modelName)
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = map[string]interface{}{}
	}

	record := models.ModelVersionRecord{
		FilePath:    archivedPath,
		Timestamp:   models.Now(),
		Metrics:     metrics,
		Description: description,
	}

	r.mu.Lock()
	entry, ok := r.catalog.Models[modelName]
	if !ok {
		entry = &models.ModelCatalogEntry{
			CurrentVersion: version.Zero.String(),
			Versions:       make(map[string]models.ModelVersionRecord),
		}
		r.catalog.Models[modelName] = entry
	}
	entry.Versions[v.String()] = record
	if cur, err := version.Parse(entry.CurrentVersion); err != nil || cur.Less(v) {
		entry.CurrentVersion = v.String()
	}
	gen, snapshot, marshalErr := r.snapshotLocked()
	r.mu.Unlock()

	if marshalErr != nil {
		return "", "", marshalErr
	}
	if err := r.persist(gen, snapshot); err != nil {
		return "", "", err
	}

	r.logger.WithFields(logrus.Fields{
		"model":   modelName,
		"version": v.String(),
		"path":    archivedPath,
	}).Info("Registered model version")

	return v.String(), archivedPath, nil
}

// GetArtifactPath resolves the archived artifact path for a model version.
// An empty version resolves to the model's current version.
func (r *Registry) GetArtifactPath(modelName, ver string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.catalog.Models[modelName]
	if !ok {
		return "", errors.WrapError(errors.ErrModelNotFound, errors.ErrorTypeRegistry,
			errors.CodeModelNotFound, fmt.Sprintf("model %s not found in registry", modelName))
	}
	if ver == "" {
		ver = entry.CurrentVersion
	}
	record, ok := entry.Versions[ver]
	if !ok {
		return "", errors.WrapError(errors.ErrVersionNotFound, errors.ErrorTypeRegistry,
			errors.CodeVersionNotFound,
			fmt.Sprintf("version %s of model %s not found in registry", ver, modelName))
	}
	return record.FilePath, nil
}

// ListVersions returns the registered versions of a model, ascending.
func (r *Registry) ListVersions(modelName string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.catalog.Models[modelName]
	if !ok {
		return nil, errors.WrapError(errors.ErrModelNotFound, errors.ErrorTypeRegistry,
			errors.CodeModelNotFound, fmt.Sprintf("model %s not found in registry", modelName))
	}

	versions := make([]string, 0, len(entry.Versions))
	for ver := range entry.Versions {
		versions = append(versions, ver)
	}
	sort.Slice(versions, func(i, j int) bool {
		vi, erri := version.Parse(versions[i])
		vj, errj := version.Parse(versions[j])
		if erri != nil || errj != nil {
			return versions[i] < versions[j]
		}
		return vi.Less(vj)
	})
	return versions, nil
}

// GetCurrentVersion returns the model's current version.
func (r *Registry) GetCurrentVersion(modelName string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.catalog.Models[modelName]
	if !ok {
		return "", errors.WrapError(errors.ErrModelNotFound, errors.ErrorTypeRegistry,
			errors.CodeModelNotFound, fmt.Sprintf("model %s not found in registry", modelName))
	}
	return entry.CurrentVersion, nil
}

// SetCurrentVersion pins the model's current version to a known version.
func (r *Registry) SetCurrentVersion(modelName, ver string) error {
	mu := r.modelLock(modelName)
	mu.Lock()
	defer mu.Unlock()

	r.mu.Lock()
	entry, ok := r.catalog.Models[modelName]
	if !ok {
		r.mu.Unlock()
		return errors.WrapError(errors.ErrModelNotFound, errors.ErrorTypeRegistry,
			errors.CodeModelNotFound, fmt.Sprintf("model %s not found in registry", modelName))
	}
	if _, ok := entry.Versions[ver]; !ok {
		r.mu.Unlock()
		return errors.WrapError(errors.ErrVersionNotFound, errors.ErrorTypeRegistry,
			errors.CodeVersionNotFound,
			fmt.Sprintf("version %s of model %s not found in registry", ver, modelName))
	}
	entry.CurrentVersion = ver
	gen, snapshot, marshalErr := r.snapshotLocked()
	r.mu.Unlock()

	if marshalErr != nil {
		return marshalErr
	}
	if err := r.persist(gen, snapshot); err != nil {
		return err
	}

	r.logger.WithFields(logrus.Fields{
		"model":   modelName,
		"version": ver,
	}).Info("Set current model version")
	return nil
}

// ListModels returns the registered model names, sorted.
func (r *Registry) ListModels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.catalog.Models))
	for name := range r.catalog.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetVersionRecord returns the immutable record for a model version.
func (r *Registry) GetVersionRecord(modelName, ver string) (models.ModelVersionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.catalog.Models[modelName]; !ok {
		return models.ModelVersionRecord{}, errors.WrapError(errors.ErrModelNotFound,
			errors.ErrorTypeRegistry, errors.CodeModelNotFound,
			fmt.Sprintf("model %s not found in registry", modelName))
	}
	record, ok := r.versionRecord(modelName, ver)
	if !ok {
		return models.ModelVersionRecord{}, errors.WrapError(errors.ErrVersionNotFound,
			errors.ErrorTypeRegistry, errors.CodeVersionNotFound,
			fmt.Sprintf("version %s of model %s not found in registry", ver, modelName))
	}
	return record, nil
}

// HasVersion reports whether a version of a model is registered.
func (r *Registry) HasVersion(modelName, ver string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.versionRecord(modelName, ver)
	return ok
}

func (r *Registry) currentOrZero(modelName string) version.SemVer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.catalog.Models[modelName]
	if !ok {
		return version.Zero
	}
	v, err := version.Parse(entry.CurrentVersion)
	if err != nil {
		return version.Zero
	}
	return v
}

// versionRecord must be called with r.mu held.
func (r *Registry) versionRecord(modelName, ver string) (models.ModelVersionRecord, bool) {
	entry, ok := r.catalog.Models[modelName]
	if !ok {
		return models.ModelVersionRecord{}, false
	}
	record, ok := entry.Versions[ver]
	return record, ok
}

// snapshotLocked marshals the catalog for persistence. Must be called with
// r.mu held for writing so the generation number matches the snapshot.
func (r *Registry) snapshotLocked() (uint64, []byte, error) {
	r.gen++
	r.catalog.LastUpdated = models.Now()
	data, err := json.MarshalIndent(r.catalog, "", "  ")
	if err != nil {
		return 0, nil, errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to marshal catalog")
	}
	return r.gen, data, nil
}

// persist writes a catalog snapshot atomically: temp file, fsync, rename.
// Snapshots are generation-ordered so an older snapshot never overwrites a
// newer one when registrations of different models land concurrently.
func (r *Registry) persist(gen uint64, data []byte) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if gen <= r.persistedGen {
		return nil
	}

	dir := filepath.Dir(r.config.CatalogPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create catalog directory %s", dir))
	}

	tmp, err := os.CreateTemp(dir, ".catalog-*")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to create catalog temp file")
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to write catalog")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to sync catalog")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			"failed to close catalog temp file")
	}
	if err := os.Rename(tmpName, r.config.CatalogPath); err != nil {
		os.Remove(tmpName)
		return errors.WrapError(err, errors.ErrorTypePersistence, errors.CodeWriteFailed,
			fmt.Sprintf("failed to replace catalog %s", r.config.CatalogPath))
	}

	r.persistedGen = gen
	return nil
}
