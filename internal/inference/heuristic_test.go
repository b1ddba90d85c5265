package inference

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInput(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestHeuristicNeverFails(t *testing.T) {
	engine := NewHeuristicEngine()
	ctx := context.Background()

	// Missing input scores neutral rather than erroring.
	pred, err := engine.Predict(ctx, filepath.Join(t.TempDir(), "missing.jpg"))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, pred.Score, 1e-9)

	pred, err = engine.Predict(ctx, writeInput(t, nil))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, pred.Score, 1e-9)
}

func TestHeuristicDeterministic(t *testing.T) {
	engine := NewHeuristicEngine()
	ctx := context.Background()
	path := writeInput(t, []byte("the same bytes every time"))

	first, err := engine.Predict(ctx, path)
	require.NoError(t, err)
	second, err := engine.Predict(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, first.Score, second.Score)
}

func TestHeuristicScoreRange(t *testing.T) {
	engine := NewHeuristicEngine()
	ctx := context.Background()

	inputs := [][]byte{
		bytes.Repeat([]byte{0x00}, 256),
		bytes.Repeat([]byte{0xFF}, 256),
		{0x00, 0xFF, 0x00, 0xFF, 0x80},
		[]byte("mixed content with some variance 0123456789"),
	}
	for _, data := range inputs {
		pred, err := engine.Predict(ctx, writeInput(t, data))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, pred.Score, 1.0)
		assert.LessOrEqual(t, pred.Score, 5.0)
	}
}

func TestHeuristicKnownValues(t *testing.T) {
	engine := NewHeuristicEngine()
	ctx := context.Background()

	// Uniform zero bytes: brightness 0, contrast 0, clamped up to 1.0.
	pred, err := engine.Predict(ctx, writeInput(t, bytes.Repeat([]byte{0x00}, 64)))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, pred.Score, 1e-9)

	// Uniform 0xFF: brightness term maxed (2.5), contrast 0.
	pred, err = engine.Predict(ctx, writeInput(t, bytes.Repeat([]byte{0xFF}, 64)))
	require.NoError(t, err)
	assert.InDelta(t, 2.5, pred.Score, 1e-9)

	// Half 0x00, half 0xFF: brightness 127.5, contrast 127.5 capped at 80.
	data := append(bytes.Repeat([]byte{0x00}, 32), bytes.Repeat([]byte{0xFF}, 32)...)
	pred, err = engine.Predict(ctx, writeInput(t, data))
	require.NoError(t, err)
	assert.InDelta(t, 127.5/255.0*2.5+2.5, pred.Score, 1e-9)
}

func TestParamLoader(t *testing.T) {
	loader := NewParamLoader()
	ctx := context.Background()
	dir := t.TempDir()

	artifact := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(artifact,
		[]byte(`{"brightness_weight":0.0098,"contrast_weight":0.03125,"contrast_cap":80,"bias":0,"confidence":0.85}`), 0o644))

	engine, err := loader.Load(ctx, artifact)
	require.NoError(t, err)

	pred, err := engine.Predict(ctx, writeInput(t, bytes.Repeat([]byte{0xFF}, 64)))
	require.NoError(t, err)
	// brightness 255 * 0.0098 = 2.499, contrast 0.
	assert.InDelta(t, 2.499, pred.Score, 1e-9)
	require.NotNil(t, pred.Confidence)
	assert.InDelta(t, 0.85, *pred.Confidence, 1e-9)
}

func TestParamLoaderRejectsBadArtifacts(t *testing.T) {
	loader := NewParamLoader()
	ctx := context.Background()
	dir := t.TempDir()

	_, err := loader.Load(ctx, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("not json at all"), 0o644))
	_, err = loader.Load(ctx, garbage)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{}`), 0o644))
	_, err = loader.Load(ctx, empty)
	assert.Error(t, err)
}

func TestParamEngineRejectsUnreadableInput(t *testing.T) {
	engine := &ParamEngine{params: ModelParams{BrightnessWeight: 0.01}}
	_, err := engine.Predict(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}
