package safetensors

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.safetensors")

	in := map[string]Tensor{
		"linear.weight": {Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
		"linear.bias":   {Shape: []int{3}, Data: []float64{-0.5, 0, 0.25}},
	}
	require.NoError(t, Save(path, in))

	out, err := Load(path)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, in["linear.weight"], out["linear.weight"])
	assert.Equal(t, in["linear.bias"], out["linear.bias"])
}

func TestSaveRejectsShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")

	err := Save(path, map[string]Tensor{
		"w": {Shape: []int{2, 2}, Data: []float64{1, 2, 3}},
	})
	assert.Error(t, err)
}

func TestLoadRejectsTruncatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.safetensors"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
