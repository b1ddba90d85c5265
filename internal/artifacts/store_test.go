package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrafusion/condserve/pkg/errors"
	"github.com/terrafusion/condserve/pkg/version"
)

func newTestStore(t *testing.T) (*LocalStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalStore(&LocalStoreConfig{ArchiveDir: filepath.Join(dir, "archive")}, nil)
	require.NoError(t, err)
	return store, dir
}

func TestArchiveName(t *testing.T) {
	at := time.Date(2026, 8, 30, 14, 5, 9, 0, time.UTC)
	name := archiveName("condition_model", version.MustParse("1.2.3"), "/tmp/model.json", at)
	assert.Equal(t, "condition_model_v1_2_3_20260830140509.json", name)

	// Source without an extension archives without one.
	name = archiveName("condition_model", version.MustParse("1.2.3"), "/tmp/model", at)
	assert.Equal(t, "condition_model_v1_2_3_20260830140509", name)
}

func TestArchiveCopiesContent(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	source := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(source, []byte(`{"bias":3.0}`), 0o644))

	archived, err := store.Archive(ctx, "condition_model", version.MustParse("1.0.0"), source)
	require.NoError(t, err)

	data, err := os.ReadFile(archived)
	require.NoError(t, err)
	assert.Equal(t, `{"bias":3.0}`, string(data))

	// The original can be deleted without affecting the archive.
	require.NoError(t, os.Remove(source))
	exists, err := store.Exists(ctx, archived)
	require.NoError(t, err)
	assert.True(t, exists)

	r, err := store.Open(ctx, archived)
	require.NoError(t, err)
	defer r.Close()
	data, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `{"bias":3.0}`, string(data))
}

func TestArchiveMissingSource(t *testing.T) {
	store, dir := newTestStore(t)

	_, err := store.Archive(context.Background(), "condition_model",
		version.MustParse("1.0.0"), filepath.Join(dir, "nope.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrArtifactNotFound)
}

func TestOpenMissingArtifact(t *testing.T) {
	store, dir := newTestStore(t)
	ctx := context.Background()

	_, err := store.Open(ctx, filepath.Join(dir, "archive", "gone.json"))
	assert.ErrorIs(t, err, errors.ErrArtifactNotFound)

	exists, err := store.Exists(ctx, filepath.Join(dir, "archive", "gone.json"))
	require.NoError(t, err)
	assert.False(t, exists)
}
